package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cascade/internal/builtin"
	kafkaingest "cascade/internal/ingest/kafka"
	"cascade/internal/ingest/rabbitmq"
	"cascade/internal/ingest/socket"
	"cascade/internal/logger"
	"cascade/internal/processor"
)

type RunOptions struct {
	*RootOptions
	StopTimeout  time.Duration
	Drain        bool
	DrainTimeout time.Duration
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured topology",
		Long: `Create the streams of the configured topology, start its computations and
the enabled ingest adapters, then stop gracefully on SIGINT or SIGTERM.

With --drain the command returns once every source computation terminated
and every stream is consumed.

Example:
  cascaded run --config cascade.yaml
  cascaded run --config pipeline.yaml --drain --drain-timeout 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.StopTimeout, "stop-timeout", 30*time.Second, "time given to workers for their final checkpoint")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "exit once the topology is drained")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 10*time.Minute, "maximum time to wait for the drain")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := logger.With("cli").With().Str("node", cfg.Server.NodeID).Logger()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := openManager(ctx, cfg.Stream)
	if err != nil {
		return fmt.Errorf("open %s streams: %w", cfg.Stream.Backend, err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("closing streams")
		}
	}()

	topology, err := builtin.Topology(cfg.Topology.Computations)
	if err != nil {
		return err
	}
	p := processor.New(manager)
	if err := p.Init(ctx, topology, cfg.Settings(topology)); err != nil {
		return err
	}
	// Signals stop the processor gracefully, they must not abort it.
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	log.Info().Str("backend", cfg.Stream.Backend).Strs("computations", topology.Computations()).Msg("topology running")

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(cfg.Ingest.Socket, manager, healthOf(p))
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Msg("socket ingest stopped")
			}
		}()
		defer srv.Close()
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(cfg.Ingest.RabbitMQ, manager)
		if err != nil {
			_ = p.Stop(opts.StopTimeout)
			return err
		}
		if err := adapter.Start(ctx); err != nil {
			_ = p.Stop(opts.StopTimeout)
			return err
		}
		defer adapter.Close()
	}
	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafkaingest.NewAdapter(cfg.Ingest.Kafka, manager)
		if err != nil {
			_ = p.Stop(opts.StopTimeout)
			return err
		}
		go func() {
			if err := adapter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("kafka ingest stopped")
			}
		}()
		defer adapter.Close()
	}

	if opts.Drain {
		drained, err := p.DrainAndStop(ctx, opts.DrainTimeout)
		if err != nil {
			_ = p.Stop(opts.StopTimeout)
			return err
		}
		if !drained {
			return fmt.Errorf("topology not drained after %s", opts.DrainTimeout)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "drained")
		return p.Err()
	}

	<-ctx.Done()
	log.Info().Msg("stopping")
	if err := p.Stop(opts.StopTimeout); err != nil && !errors.Is(err, processor.ErrStopTimeout) {
		return err
	}
	return p.Err()
}

func healthOf(p *processor.Processor) socket.HealthFunc {
	return func(context.Context) (bool, string) {
		if err := p.Err(); err != nil {
			return false, err.Error()
		}
		return true, "ok"
	}
}
