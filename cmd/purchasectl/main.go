package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/migration"
	"github.com/smallbiznis/cohere/internal/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	Version = "dev"
	nodeID  int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "purchasectl",
		Short:         "Operator tooling for the purchase ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Int64Var(&nodeID, "node-id", 1023, "snowflake node id; keep distinct from running replicas")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(releaseEscrowCmd())
	rootCmd.AddCommand(cancelSweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runApp(cmd.Context(), nil, infraModules(nodeID), migration.Module); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *gorm.DB
			return runApp(cmd.Context(), func(ctx context.Context) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := migration.Rollback(sqlDB, steps); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", steps)
				return nil
			}, infraModules(nodeID), fx.Populate(&conn))
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *gorm.DB
			return runApp(cmd.Context(), func(ctx context.Context) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				status, err := migration.CurrentStatus(sqlDB)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", status.Version, status.Dirty)
				return nil
			}, infraModules(nodeID), fx.Populate(&conn))
		},
	}
}

func drainCmd() *cobra.Command {
	var maxBatches int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver due outbox events once and exit",
		Long: `Deliver every due outbox event, including delayed payment cancellation jobs,
until the backlog is empty or the batch budget is spent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dispatcher *events.Dispatcher
			return runApp(cmd.Context(), func(ctx context.Context) error {
				total := 0
				for i := 0; i < maxBatches; i++ {
					delivered, err := dispatcher.DrainOnce(ctx)
					total += delivered
					if err != nil {
						return fmt.Errorf("drain outbox: %w", err)
					}
					if delivered == 0 {
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d events\n", total)
				return nil
			}, infraModules(nodeID), domainModules(), fx.Populate(&dispatcher))
		},
	}
	cmd.Flags().IntVar(&maxBatches, "max-batches", 50, "maximum outbox batches to deliver")
	return cmd
}

func releaseEscrowCmd() *cobra.Command {
	var contributionID, classID, participantID string
	cmd := &cobra.Command{
		Use:   "release-escrow",
		Short: "Release escrow for a participant's payments that booked a class",
		Example: `  purchasectl release-escrow --contribution c-1 --class class-9 --participant u-7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if contributionID == "" || classID == "" || participantID == "" {
				return errors.New("--contribution, --class and --participant are required")
			}
			var svc *transfer.Service
			return runApp(cmd.Context(), func(ctx context.Context) error {
				released, err := svc.ReleaseEscrow(ctx, contributionID, classID, participantID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released escrow on %d payments\n", released)
				return nil
			}, infraModules(nodeID), domainModules(), fx.Populate(&svc))
		},
	}
	cmd.Flags().StringVar(&contributionID, "contribution", "", "contribution id")
	cmd.Flags().StringVar(&classID, "class", "", "booked class id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant (client) id")
	return cmd
}

func cancelSweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cancel-sweep",
		Short: "Cancel unpaid payment objects whose cancellation job never ran",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc checkoutdomain.Service
			return runApp(cmd.Context(), func(ctx context.Context) error {
				swept, err := svc.SweepUnpaid(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "canceled %d unpaid payments\n", swept)
				return nil
			}, infraModules(nodeID), domainModules(), fx.Populate(&svc))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum purchases to inspect")
	return cmd
}
