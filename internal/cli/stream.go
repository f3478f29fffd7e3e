package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

func NewStreamCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage and inspect streams of the configured backend",
	}
	cmd.AddCommand(newStreamCreateCommand(rootOpts))
	cmd.AddCommand(newStreamDeleteCommand(rootOpts))
	cmd.AddCommand(newStreamAppendCommand(rootOpts))
	cmd.AddCommand(newStreamTailCommand(rootOpts))
	cmd.AddCommand(newStreamLagCommand(rootOpts))
	return cmd
}

// withManager opens the configured backend for the duration of fn.
func withManager(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, m stream.Manager) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := openManager(ctx, cfg.Stream)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, m), m.Close())
}

func newStreamCreateCommand(opts *RootOptions) *cobra.Command {
	var partitions int
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m stream.Manager) error {
				created, err := m.CreateStream(ctx, args[0], partitions)
				if err != nil {
					return err
				}
				n, err := m.PartitionCount(ctx, args[0])
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s with %d partition(s)\n", args[0], n)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists with %d partition(s)\n", args[0], n)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&partitions, "partitions", "p", 1, "number of partitions")
	return cmd
}

func newStreamDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stream and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m stream.Manager) error {
				deleted, err := m.DeleteStream(ctx, args[0])
				if err != nil {
					return err
				}
				if deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist\n", args[0])
				}
				return nil
			})
		},
	}
}

func newStreamAppendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <name> <key> [data]",
		Short: "Append one record routed by its key",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 3 {
				data = []byte(args[2])
			}
			return withManager(cmd, opts, func(ctx context.Context, m stream.Manager) error {
				off, err := stream.AppendKey(ctx, m, args[0], domain.NewRecord(args[1], data))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), off)
				return nil
			})
		},
	}
}

type tailOptions struct {
	group     string
	limit     int
	timeout   time.Duration
	fromStart bool
	commit    bool
}

func newStreamTailCommand(opts *RootOptions) *cobra.Command {
	to := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail <name>",
		Short: "Print records of a stream",
		Long: `Print records of every partition of a stream from the last committed
offset of the group, until --limit records are read or nothing arrives for
--timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m stream.Manager) error {
				return tail(ctx, cmd, m, args[0], to)
			})
		},
	}
	cmd.Flags().StringVarP(&to.group, "group", "g", "cascaded-tail", "consumer group")
	cmd.Flags().IntVarP(&to.limit, "limit", "n", 0, "stop after this many records (0 for no limit)")
	cmd.Flags().DurationVar(&to.timeout, "timeout", 2*time.Second, "stop when no record arrives within this delay")
	cmd.Flags().BoolVar(&to.fromStart, "from-start", false, "ignore the committed offsets")
	cmd.Flags().BoolVar(&to.commit, "commit", false, "commit the group position when done")
	return cmd
}

func tail(ctx context.Context, cmd *cobra.Command, m stream.Manager, name string, opts *tailOptions) error {
	partitions, err := stream.AllPartitions(ctx, m, name)
	if err != nil {
		return err
	}
	t, err := m.CreateTailer(ctx, opts.group, partitions...)
	if err != nil {
		return err
	}
	defer t.Close()
	if opts.fromStart {
		if err := t.ToStart(ctx); err != nil {
			return err
		}
	}
	for read := 0; opts.limit <= 0 || read < opts.limit; read++ {
		rec, err := t.Read(ctx, opts.timeout)
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		wm := domain.WatermarkOfValue(rec.Record.Watermark)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", rec.Offset, rec.Record.Key, wm.Time().UTC().Format(time.RFC3339Nano), rec.Record.Data)
	}
	if opts.commit {
		return t.Commit(ctx)
	}
	return nil
}

func newStreamLagCommand(opts *RootOptions) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "lag <name>",
		Short: "Print the lag of a consumer group on a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m stream.Manager) error {
				lags, err := m.LagPerPartition(ctx, args[0], group)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for i, l := range lags {
					fmt.Fprintf(out, "%s\t%d\t%d\t%d\n", domain.LogPartition{Name: args[0], Partition: i}, l.LowerOffset, l.UpperOffset, l.Lag)
				}
				total := domain.LagOfPartitions(lags)
				fmt.Fprintf(out, "total\t%d\t%d\t%d\n", total.LowerOffset, total.UpperOffset, total.Lag)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "consumer group, usually a computation name")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
