// README: Cobra command tree for carpoolctl.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carpool/internal/app"
	"carpool/internal/config"
	"carpool/internal/logging"
	"carpool/internal/modules/matching"
	"carpool/internal/types"
)

// opener builds the process dependencies; tests swap it for an in-memory variant.
type opener func(ctx context.Context) (*app.App, error)

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logging.NewLogger(cfg.LogLevel))
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "carpoolctl",
		Short:        "Administer the carpool matching engine",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(open), newSweepCmd(open), newOffersCmd(open))
	return root
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema to the configured store",
		Long: `Applies the embedded schema. SQLite databases are migrated when opened;
Postgres is migrated explicitly here. The in-memory store needs nothing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if pg, ok := a.Store.(*matching.PGStore); ok {
				if err := pg.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			cmd.Printf("Schema up to date (%s).\n", a.Config.Store.Driver)
			return nil
		},
	}
}

func newSweepCmd(open opener) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale offers and requests",
		Long: `Runs the lifecycle sweep. With --once a single pass runs and its counts are
printed; otherwise the sweeper keeps running until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if once {
				res, err := a.Service.Sweep(cmd.Context())
				cmd.Printf("offers expired: %d\nrequests expired: %d\nmatches expired: %d\nrequeued: %d\n",
					res.OffersExpired, res.RequestsExpired, res.MatchesExpired, res.Requeued)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return matching.NewSweeper(a.Service, a.Config.Lifecycle, a.Locker).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newOffersCmd(open opener) *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "List a driver's offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if driver == "" {
				return errors.New("--driver is required")
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			offers, err := a.Service.ListOffersFor(cmd.Context(), types.ID(driver))
			if err != nil {
				return err
			}
			if len(offers) == 0 {
				cmd.Println("No offers.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tDEPART\tSEATS")
			for _, o := range offers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", o.ID, o.Status,
					o.DepartAt.In(a.Location).Format(time.DateTime), o.Reserved, o.SeatCapacity)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "driver id")
	return cmd
}
