package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/retention"
	"bugreport-pipeline/internal/storage"
	"bugreport-pipeline/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "retentionctl",
		Short:         "Operate the bug report retention lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		sweepCmd(),
		previewCmd(),
		hardDeleteCmd(),
		legalHoldCmd(),
		restoreCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newService builds a retention service from environment configuration.
// Every subcommand pays the connection cost only when it actually runs.
func newService(ctx context.Context) (*retention.Service, func(), error) {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	objects, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("init object storage: %w", err)
	}
	archiver := storage.NewArchiverFromConfig(objects, cfg)
	return retention.NewService(st, objects, archiver, cfg), st.Close, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd() *cobra.Command {
	var dryRun bool
	var batchSize int
	var maxErrorRate float64
	var projectDelay time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply every project's retention policy once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, closeFn, err := newService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := svc.ApplyRetentionPolicies(ctx, retention.SweepOptions{
				DryRun:       dryRun,
				BatchSize:    batchSize,
				MaxErrorRate: maxErrorRate,
				ProjectDelay: projectDelay,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate policies without deleting anything")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "reports per project (0 uses the configured default)")
	cmd.Flags().Float64Var(&maxErrorRate, "max-error-rate", 0, "abort the sweep above this error percentage (0 uses the configured default)")
	cmd.Flags().DurationVar(&projectDelay, "project-delay", 0, "pause between projects (0 uses the configured default)")
	return cmd
}

func previewCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Estimate what the next sweep would delete",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, closeFn, err := newService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			preview, err := svc.PreviewRetentionPolicy(ctx, projectID)
			if err != nil {
				return err
			}
			return printJSON(preview)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "limit the preview to one project")
	return cmd
}

func hardDeleteCmd() *cobra.Command {
	var user string
	var noCertificate bool
	cmd := &cobra.Command{
		Use:   "hard-delete <report-id>...",
		Short: "Permanently delete reports and issue a deletion certificate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, closeFn, err := newService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			cert, err := svc.HardDeleteReports(ctx, args, user, !noCertificate)
			if err != nil {
				return err
			}
			if cert == nil {
				fmt.Println("no reports deleted")
				return nil
			}
			return printJSON(cert)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id recorded on the certificate")
	cmd.Flags().BoolVar(&noCertificate, "no-certificate", false, "skip certificate issuance")
	return cmd
}

func legalHoldCmd() *cobra.Command {
	var user string
	var release bool
	cmd := &cobra.Command{
		Use:   "legal-hold <report-id>...",
		Short: "Apply or release legal hold on reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, closeFn, err := newService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := svc.SetLegalHold(ctx, args, !release, user)
			if err != nil {
				return err
			}
			fmt.Printf("%d report(s) updated\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id recorded in the audit log")
	cmd.Flags().BoolVar(&release, "release", false, "release the hold instead of applying it")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <report-id>...",
		Short: "Restore soft-deleted reports that have not been archived",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, closeFn, err := newService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := svc.RestoreReports(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("%d report(s) restored\n", n)
			return nil
		},
	}
}
