// ABOUTME: One-shot reconciliation sweep and API token minting commands
// ABOUTME: The sweep exits non-zero while orphaned instances remain unresolved

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/pairline/internal/auth"
	"github.com/2389/pairline/internal/reconcile"
	"github.com/2389/pairline/internal/server"
)

func newReconcileCmd(load configLoader) *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare local instances with the gateway and repair differences",
		Long: `Run a single reconciliation sweep against the configured store and gateway.

Instances the gateway no longer knows are handled according to
reconcile.orphan_policy. With --dry-run nothing is changed and every orphan
counts as unresolved. The command exits 1 when anything is left unresolved:
orphans still in place, instances the gateway could not answer for, or
repairs that failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			core, err := server.NewCore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := core.Close(ctx); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			report, err := core.Reconcile.Run(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			printReport(cmd.OutOrStdout(), report)
			return exitStatus(report)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report findings without changing anything")
	cmd.Flags().StringVar(&opts.InstanceID, "instance", "", "sweep a single instance by ID")
	return cmd
}

// exitStatus fails the command while any finding is left unresolved.
func exitStatus(report *reconcile.Report) error {
	if n := report.Unresolved(); n > 0 {
		return errUnresolved{n: n}
	}
	return nil
}

func printReport(out io.Writer, report *reconcile.Report) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(out)
	title := "  Reconciliation"
	if report.DryRun {
		title += " (dry run)"
	}
	cyan.Fprintln(out, title)
	cyan.Fprintln(out, "  --------------")

	if report.Clean() {
		green.Fprintf(out, "  ✓ %d instance(s) in step with the gateway\n\n", len(report.Findings))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  INSTANCE\tNAME\tKIND\tSTATUS\tGATEWAY\tACTION")
	fmt.Fprintln(w, "  --------\t----\t----\t------\t-------\t------")
	for _, f := range report.Findings {
		if f.Kind == reconcile.KindOK {
			continue
		}
		status := string(f.Status)
		if f.NewStatus != "" && f.NewStatus != f.Status {
			status += " -> " + string(f.NewStatus)
		}
		action := f.Action
		if f.Error != "" {
			action += " (" + f.Error + ")"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(f.InstanceID, 12), truncate(f.ExternalName, 24), f.Kind, status, f.Observed, action)
	}
	w.Flush()
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  ok %d  orphan %d  drift %d  stale %d  ambiguous %d  (%s)\n",
		report.Count(reconcile.KindOK),
		report.Count(reconcile.KindOrphan),
		report.Count(reconcile.KindDrift),
		report.Count(reconcile.KindStale),
		report.Count(reconcile.KindAmbiguous),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	if n := report.Unresolved(); n > 0 {
		color.New(color.FgRed).Fprintf(out, "  ✗ %d unresolved finding(s), %d orphan(s) still present\n", n, report.UnresolvedOrphans())
	} else {
		yellow.Fprintln(out, "  differences found and handled")
	}
	fmt.Fprintln(out)
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		subject string
		org     string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", path)
			}
			if role != auth.RoleAdmin && org == "" {
				return fmt.Errorf("--org is required for role %q", role)
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(subject, org, role, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			color.New(color.FgHiBlack).Fprintf(cmd.ErrOrStderr(), "expires %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&org, "org", "", "organization the token is scoped to")
	cmd.Flags().StringVar(&role, "role", auth.RoleMember, "member or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
