package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cascade/internal/builtin"
)

type TopologyOptions struct {
	*RootOptions
	Format string
}

func NewTopologyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TopologyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Render the configured topology",
		Long: `Render the configured topology with its concurrency and partitions.

Example:
  cascaded topology --format plantuml > topology.puml
  cascaded topology --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			topology, err := builtin.Topology(cfg.Topology.Computations)
			if err != nil {
				return err
			}
			layout := cfg.Settings(topology).Layout(topology)
			switch opts.Format {
			case "plantuml":
				fmt.Fprint(cmd.OutOrStdout(), topology.ToPlantUML(layout))
			case "yaml":
				out, err := topology.ToYAML(layout)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			default:
				return fmt.Errorf("invalid format %q: must be plantuml or yaml", opts.Format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "plantuml", "output format (plantuml|yaml)")
	return cmd
}
