package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmost/mostd/pkg/config"
	"github.com/openmost/mostd/pkg/policy"
)

// validateSummary is the result of a successful validation.
type validateSummary struct {
	Config    string `json:"config"`
	Nodes     int    `json:"nodes"`
	Endpoints int    `json:"endpoints"`
	Routes    int    `json:"routes"`
	Scripts   int    `json:"scripts"`
	Policies  int    `json:"policies,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a YAML or CUE configuration file.

This command checks:
  - Syntax and, for CUE documents, schema conformance
  - Field constraints of every section
  - The network graph: unique names and addresses, resolvable resource
    references, connection sockets listed before their connections and
    routes joining a source endpoint to a sink endpoint
  - Node scripts, which are compiled
  - Admission policies, which are compiled when the policy section is enabled`,
		Example: `  # Validate the default config file
  mostd validate

  # Validate a specific file
  mostd validate ./vehicle.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx := cmd.Context()

			doc, err := config.NewLoader().Load(path)
			if err != nil {
				return err
			}
			net, err := config.Build(ctx, doc, nil)
			if err != nil {
				return err
			}

			summary := validateSummary{
				Config:    path,
				Nodes:     len(net.Nodes),
				Endpoints: len(net.Endpoints),
				Routes:    len(net.Routes),
			}
			for _, n := range net.Nodes {
				if len(n.Script) > 0 {
					summary.Scripts++
				}
			}

			if doc.Policy.Enabled {
				engine, err := policy.NewEngine(ctx, nil)
				if err != nil {
					return err
				}
				paths := make([]string, 0, len(doc.Policy.Paths))
				for _, p := range doc.Policy.Paths {
					paths = append(paths, doc.Resolve(p))
				}
				if err := engine.LoadPolicies(ctx, paths); err != nil {
					return err
				}
				summary.Policies = len(engine.ListPolicies())
			}

			log.Debug().Str("config", path).Msg("Configuration is valid")

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"%s is valid: %d nodes, %d endpoints, %d routes, %d node scripts",
				summary.Config, summary.Nodes, summary.Endpoints, summary.Routes, summary.Scripts)
			if err == nil && doc.Policy.Enabled {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), ", %d policies", summary.Policies)
			}
			if err == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout())
			}
			return err
		},
	}

	return cmd
}
