package commands

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmost/mostd/pkg/config"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/stores"
)

// auditFlags are shared by the query subcommands.
type auditFlags struct {
	store string
	since time.Duration
	limit int
}

func (f *auditFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.store, "store", "", "audit database path (default: store.path of the config)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only show records younger than this")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum number of records")
}

func (f *auditFlags) filter() stores.Filter {
	filter := stores.Filter{Limit: f.limit}
	if f.since > 0 {
		filter.Since = time.Now().Add(-f.since)
	}
	return filter
}

// openStore opens the audit database named by the flag or by the config.
func (f *auditFlags) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path := f.store
	if path == "" {
		doc, err := config.NewLoader().Load(configPath)
		if err != nil {
			return nil, err
		}
		if doc.Store.Path == "" {
			return nil, fmt.Errorf("no audit store configured in %s", configPath)
		}
		path = doc.Resolve(doc.Store.Path)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate audit store: %w", err)
	}
	return store, nil
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit store",
		Long: `Query what the daemon recorded in its audit store.

The store holds:
  - Route reports: built, destroyed, suspended and process_stop
  - Resource diagnostics: every resource built or destroyed, and failures
  - Audit entries: daemon start and stop, node events, admission rejections`,
	}

	cmd.AddCommand(newAuditReportsCommand())
	cmd.AddCommand(newAuditResourcesCommand())
	cmd.AddCommand(newAuditEntriesCommand())
	cmd.AddCommand(newAuditPruneCommand())

	return cmd
}

func newAuditReportsCommand() *cobra.Command {
	var (
		flags auditFlags
		route int
	)

	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List route reports",
		Example: `  # Reports of route 3 in the last hour
  mostd audit reports --route 3 --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := flags.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := flags.filter()
			if cmd.Flags().Changed("route") {
				id := uint16(route)
				filter.RouteID = &id
			}
			reports, err := store.ListRouteReports(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reports)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tROUTE\tNAME\tINFO")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.RecordedAt.Local().Format(time.RFC3339), r.RouteID, r.RouteName, r.Info)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&route, "route", 0, "only show reports of this route id")

	return cmd
}

func newAuditResourcesCommand() *cobra.Command {
	var (
		flags auditFlags
		node  string
	)

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List resource diagnostics",
		Example: `  # Resource diagnostics of the amplifier
  mostd audit resources --node 0x210`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := flags.filter()
			if node != "" {
				address, err := strconv.ParseUint(node, 0, 16)
				if err != nil {
					return fmt.Errorf("invalid node address %q: %w", node, err)
				}
				a := uint16(address)
				filter.Node = &a
			}

			store, err := flags.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListResourceEvents(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tNODE\tTYPE\tHANDLE\tINFO\tJOB\tERROR")
			for _, e := range events {
				msg := ""
				if e.Error != nil {
					msg = *e.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.RecordedAt.Local().Format(time.RFC3339), engine.FormatAddress(e.Node), e.ResourceType,
					engine.FormatAddress(e.Handle), e.Info, e.Job, msg)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&node, "node", "", "only show diagnostics of this device address")

	return cmd
}

func newAuditEntriesCommand() *cobra.Command {
	var (
		flags  auditFlags
		action string
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List audit entries",
		Example: `  # Failed node scripts
  mostd audit entries --action node.script_failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := flags.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := flags.filter()
			if action != "" {
				filter.Action = &action
			}
			entries, err := store.ListAuditEntries(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
			for _, e := range entries {
				target, details := "", ""
				if e.TargetID != nil {
					target = *e.TargetID
				}
				if e.Details != nil {
					details = *e.Details
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.RFC3339), e.Action, e.Actor, target, details)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&action, "action", "", "only show entries of this action")

	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var (
		flags     auditFlags
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old route reports and resource diagnostics",
		Long: `Delete route reports and resource diagnostics older than the given age.
Audit entries are kept.`,
		Example: `  # Keep one week of history
  mostd audit prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx := cmd.Context()
			store, err := flags.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", n)
			return err
		},
	}

	cmd.Flags().StringVar(&flags.store, "store", "", "audit database path (default: store.path of the config)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the records to delete")

	return cmd
}
