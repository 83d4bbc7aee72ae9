package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openmost/mostd/pkg/config"
)

// routeEntry describes one configured route.
type routeEntry struct {
	ID        uint16 `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Source    string `json:"source"`
	Sink      string `json:"sink"`
	Bandwidth int    `json:"bandwidth"`
}

func newRoutesCommand() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the configured routes",
		Long: `List the routes of the configuration with their endpoints.

Endpoints are shown as name@node. The bandwidth column is the MOST
bandwidth the source endpoint allocates on the network.`,
		Example: `  # List all routes
  mostd routes

  # List active routes as JSON
  mostd routes --active --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.NewLoader().Load(configPath)
			if err != nil {
				return err
			}
			net, err := config.Build(cmd.Context(), doc, nil)
			if err != nil {
				return err
			}

			entries := make([]routeEntry, 0, len(net.Routes))
			for _, r := range net.Routes {
				if activeOnly && !r.Active() {
					continue
				}
				entries = append(entries, routeEntry{
					ID:        r.ID,
					Name:      r.Name,
					Active:    r.Active(),
					Source:    r.Source.Name() + "@" + r.Source.Node().Name,
					Sink:      r.Sink.Name() + "@" + r.Sink.Node().Name,
					Bandwidth: r.Source.List().NetworkBandwidth(),
				})
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tSOURCE\tSINK\tBANDWIDTH")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%d\n", e.ID, e.Name, e.Active, e.Source, e.Sink, e.Bandwidth)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "only list routes active at startup")

	return cmd
}
