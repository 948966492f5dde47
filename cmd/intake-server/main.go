package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/audit"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Clinic patient intake queue server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Seed the clinics from the roster and print their queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			rawStatus, _ := cmd.Flags().GetString("status")
			styled, _ := cmd.Flags().GetBool("styled")

			var status *intake.Status
			if rawStatus != "" {
				s, err := intake.ParseStatus(rawStatus)
				if err != nil {
					return err
				}
				status = &s
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Seeding output would interleave with the listing.
			logger := zerolog.Nop()
			mgr, err := newManager(cfg, nil, logger)
			if err != nil {
				return err
			}
			if err := seed(context.Background(), cfg, mgr, logger); err != nil {
				return err
			}

			pr := &intake.Printer{Out: cmd.OutOrStdout(), Styled: styled}
			if clinic != "" {
				return pr.PrintClinic(mgr, clinic, status)
			}
			return pr.PrintAll(mgr, status)
		},
	}
	cmd.Flags().String("clinic", "", "Only print this clinic")
	cmd.Flags().String("status", "", "Only print patients with this status")
	cmd.Flags().Bool("styled", false, "Colour priority labels and headings")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the audit table",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit journal",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("lines")
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dir = cfg.AuditJournalDir
			}
			if dir == "" {
				return fmt.Errorf("no journal directory: set AUDIT_JOURNAL_DIR or pass --dir")
			}

			journal, err := audit.OpenJournal(dir)
			if err != nil {
				return err
			}
			defer journal.Close()

			records, err := journal.Tail(n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%8d %s\n", r.Seq, audit.FormatLine(r.Entry))
			}
			return nil
		},
	}
	tailCmd.Flags().IntP("lines", "n", 20, "Number of entries to print")
	tailCmd.Flags().String("dir", "", "Journal directory (defaults to AUDIT_JOURNAL_DIR)")
	cmd.AddCommand(tailCmd)

	return cmd
}
