package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"wgsync/config"
	"wgsync/internal/logs"
	"wgsync/internal/restore"
	"wgsync/server"
)

var rootCmd = &cobra.Command{
	Use:   "wgsync",
	Short: "wgsync keeps WireGuard runtime state and a relational DB in sync",
	Long: "wgsync is a backup/restore daemon for WireGuard deployments managed\n" +
		"through a wgrest control plane. It mirrors live interfaces and peers into\n" +
		"a database (with encrypted secrets) and can rebuild configs and re-publish\n" +
		"peers from the database after a host loss.",
	RunE:         runServe, // запуск без подкоманды — демон
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon (default)",
	RunE:  runServe,
}

var (
	restoreWrite     bool
	restoreRepublish bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore [iface]",
	Short: "Rebuild wg config(s) from the database",
	Long: "Without flags prints the reconstructed config(s) to stdout.\n" +
		"--write saves <conf_dir>/<iface>.conf, --republish re-creates the peers\n" +
		"through the control plane.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show what the next sync pass would change, without touching the DB",
	Args:  cobra.NoArgs,
	RunE:  runDiff,
}

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync journal entries and stored peer counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreWrite, "write", false, "write <conf_dir>/<iface>.conf instead of printing")
	restoreCmd.Flags().BoolVar(&restoreRepublish, "republish", false, "re-create peers through the control plane")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "journal rows to show")
	rootCmd.AddCommand(serveCmd, restoreCmd, diffCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app := &server.App{}
	app.Initialize(cfg)
	return app.Run()
}

// oneShot собирает доменный слой для разовых команд. stdout принадлежит
// выводу команды, поэтому логи уходят в stderr и только от warning.
func oneShot() (*server.Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logs.Init(logs.Options{Level: "warning", Format: "text"})
	logs.Logger.SetOutput(os.Stderr)
	return server.BuildServices(cfg)
}

func runRestore(cmd *cobra.Command, args []string) error {
	svc, err := oneShot()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	w := cmd.OutOrStdout()

	// Без флагов — печать без побочных эффектов (и без записи в журнал).
	if !restoreWrite && !restoreRepublish {
		if len(args) == 1 {
			text, err := svc.Restorer.RenderConfig(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(w, text)
			return nil
		}
		ifaces, err := svc.Store.Interfaces.List(ctx)
		if err != nil {
			return err
		}
		for _, iface := range ifaces {
			text, err := svc.Restorer.RenderConfig(ctx, iface.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "### %s.conf\n%s\n", iface.Name, text)
		}
		return nil
	}

	opts := restore.Options{WriteFiles: restoreWrite, Republish: restoreRepublish}
	if len(args) == 1 {
		rep, err := svc.Restorer.Restore(ctx, args[0], opts)
		if rep != nil {
			printReport(w, rep)
		}
		return err
	}
	reports, err := svc.Restorer.RestoreAll(ctx, opts)
	for _, rep := range reports {
		printReport(w, rep)
	}
	return err
}

func printReport(w io.Writer, rep *restore.Report) {
	fmt.Fprintf(w, "%s: %d peers", rep.Interface, rep.PeerCount)
	if rep.Path != "" {
		fmt.Fprintf(w, ", written to %s", rep.Path)
	}
	fmt.Fprintln(w)
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, pr := range rep.Republished {
		fmt.Fprintf(w, "  republish %s (%s): %s", pr.Name, pr.PublicKey, pr.Result)
		if pr.Detail != "" {
			fmt.Fprintf(w, " (%s)", pr.Detail)
		}
		fmt.Fprintln(w)
	}
}

func runDiff(cmd *cobra.Command, _ []string) error {
	svc, err := oneShot()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	rep, err := svc.Rec.Diff(ctx)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if rep.Degraded {
		fmt.Fprintln(w, "snapshot is degraded (file fallback): deletes are held back")
	}
	for _, e := range rep.Entries {
		fmt.Fprintf(w, "%s: +%d ~%d -%d =%d\n", e.Interface, len(e.Insert), len(e.Update), len(e.Delete), e.Unchanged)
		for _, k := range e.Insert {
			fmt.Fprintf(w, "  + %s\n", k)
		}
		for _, k := range e.Update {
			fmt.Fprintf(w, "  ~ %s\n", k)
		}
		for _, k := range e.Delete {
			fmt.Fprintf(w, "  - %s\n", k)
		}
		for _, k := range e.Held {
			fmt.Fprintf(w, "  held: %s\n", k)
		}
	}
	if len(rep.Entries) == 0 {
		fmt.Fprintln(w, "live snapshot has no interfaces")
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, err := oneShot()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	w := cmd.OutOrStdout()

	rows, err := svc.Store.SyncLog.Recent(ctx, statusLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no sync passes recorded yet")
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s  %-9s", row.LastSync.Local().Format(time.RFC3339), row.Status)
		counts := row.CountMap()
		names := make([]string, 0, len(counts))
		for iface := range counts {
			names = append(names, iface)
		}
		sort.Strings(names)
		for _, iface := range names {
			fmt.Fprintf(w, "  %s=%d", iface, counts[iface])
		}
		fmt.Fprintln(w)
	}

	ifaces, err := svc.Store.Interfaces.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nstored state:")
	for _, iface := range ifaces {
		total, err := svc.Store.Peers.CountByInterface(ctx, iface.Name)
		if err != nil {
			return err
		}
		enabled, err := svc.Store.Peers.CountEnabledByInterface(ctx, iface.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s: %d peers (%d enabled)\n", iface.Name, total, enabled)
	}
	return nil
}
