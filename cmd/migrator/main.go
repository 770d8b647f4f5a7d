// Package main is the migrator: it detects the MDM managing this Mac, removes
// it and enrolls the device in the target MDM through the privileged helper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pandeptwidyaop/mdm-migrate/internal/migration"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/orchestrator"
	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	command := "migrate"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	if command == "version" {
		fmt.Printf("MDM Migrate %s\n", version.Version)
		fmt.Printf("Build Time: %s\n", version.BuildTime)
		fmt.Printf("Git Commit: %s\n", version.GitCommit)
		os.Exit(0)
	}

	run, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "path to config file")
	fs.StringVar(&opts.tenant, "tenant", "", "target tenant name, overrides migration.tenant_name")
	fs.BoolVar(&opts.filevaultOnly, "filevault-only", false, "only rotate the FileVault recovery key")
	fs.BoolVar(&opts.relaunched, "relaunched", false, "set after the helper was installed; do not ask for elevation again")
	fs.BoolVar(&opts.assumeYes, "yes", false, "do not ask for confirmation")
	fs.BoolVar(&opts.rotateKey, "rotate-key", false, "rotate the FileVault recovery key after a successful migration")
	fs.Usage = usage
	_ = fs.Parse(args)

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, a)
	stop()
	os.Exit(a.finish(err, os.Stderr))
}

var commands = map[string]func(context.Context, *app) error{
	"migrate":         runMigrate,
	"detect":          runDetect,
	"status":          runStatus,
	"install-helper":  runInstallHelper,
	"remove-profiles": runRemoveProfiles,
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: mdm-migrate [command] [flags]

Commands:
  migrate          detect the current MDM and migrate to the target (default)
  detect           print the detected MDM solutions
  status           print helper and device status
  install-helper   install or repair the privileged helper
  remove-profiles  remove every MDM profile outside a migration
  version          print version information

Flags:
  -config path      path to config file (default config.yaml)
  -tenant name      target tenant name
  -filevault-only   only rotate the FileVault recovery key
  -rotate-key       rotate the FileVault recovery key after migrating
  -yes              do not ask for confirmation
  -relaunched       internal: set after helper installation`)
}

func runMigrate(ctx context.Context, a *app) error {
	return a.exclusive(func() error { return migrate(ctx, a) })
}

func migrate(ctx context.Context, a *app) error {
	if err := a.ensureHelper(ctx); err != nil {
		return err
	}

	if a.opts.filevaultOnly {
		return rotateKey(ctx, a)
	}

	phase, err := a.orch.Prepare(ctx)
	if err != nil {
		return err
	}

	snapshot := a.orch.State().Snapshot()
	out := a.console.out
	fmt.Fprintf(out, "Current MDM: %s\n", describeVendor(snapshot.Source))
	fmt.Fprintf(out, "Target MDM:  %s\n", a.target.DisplayName)
	if snapshot.Tenant != "" {
		fmt.Fprintf(out, "Tenant:      %s\n", snapshot.Tenant)
	}

	if phase.Kind != migration.PhaseReady {
		if snapshot.Prerequisites == nil {
			return fmt.Errorf("migration not ready: %s", phase)
		}
		fmt.Fprintln(out, "\nThis device cannot be migrated yet:")
		for _, reason := range snapshot.Prerequisites.Unmet() {
			fmt.Fprintf(out, "  - %s\n", reason)
		}
		return snapshot.Prerequisites.Err()
	}

	fmt.Fprintln(out, "\nSteps:")
	for i, step := range snapshot.Steps {
		fmt.Fprintf(out, "  %d. %s\n", i+1, step.Name)
	}

	if !a.opts.assumeYes {
		ok, err := a.console.confirm("\nRemove the current MDM and start the migration?")
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrCancelled
		}
	}

	go a.streamHelperOutput(ctx)

	if _, err := a.orch.Run(ctx); err != nil {
		return err
	}

	if a.opts.rotateKey {
		return rotateKey(ctx, a)
	}
	return nil
}

// streamHelperOutput mirrors helper command output into the debug log.
func (a *app) streamHelperOutput(ctx context.Context) {
	err := a.client.StreamEvents(ctx, func(e models.Event) {
		if e.Type == models.EventOutput {
			a.log.Debug().Str("operation", e.OperationID).Str("command", e.Command).Msg(e.Line)
		}
	})
	if err != nil && ctx.Err() == nil {
		a.log.Debug().Err(err).Msg("Helper event stream closed")
	}
}

func rotateKey(ctx context.Context, a *app) error {
	result, err := a.orch.RotateRecoveryKey(ctx, a.console)
	if err != nil {
		return err
	}

	out := a.console.out
	switch result.Outcome {
	case models.RotationSkipped:
		fmt.Fprintln(out, "FileVault is off; no recovery key to rotate.")
	case models.RotationCancelled:
		fmt.Fprintln(out, "Recovery key rotation cancelled.")
	case models.RotationRotated:
		fmt.Fprintf(out, "New personal recovery key: %s\n", result.RecoveryKey)
		fmt.Fprintln(out, "The target MDM escrows the key at its next check-in.")
	}
	return nil
}

func runDetect(ctx context.Context, a *app) error {
	out := a.console.out

	primary := a.detector.DetectPrimaryMDM(ctx)
	fmt.Fprintf(out, "Primary MDM: %s\n", describeVendor(primary))
	if len(primary.ProfileIdentifiers) > 0 {
		fmt.Fprintf(out, "  profiles: %s\n", strings.Join(primary.ProfileIdentifiers, ", "))
	}

	all := a.detector.DetectAllMDMSolutions(ctx)
	if len(all) == 0 {
		fmt.Fprintln(out, "No MDM evidence found.")
		return a.channel.Err()
	}

	fmt.Fprintln(out, "\nAll evidence:")
	for _, v := range all {
		fmt.Fprintf(out, "  %-14s %s\n", v.Identifier, describeVendor(v))
	}
	return a.channel.Err()
}

func runStatus(ctx context.Context, a *app) error {
	out := a.console.out

	svc, err := a.supervisor.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Helper installed: %t\n", svc.IsInstalled)
	fmt.Fprintf(out, "Helper loaded:    %t\n", svc.IsLoaded)
	if svc.IsRunning {
		fmt.Fprintf(out, "Helper running:   pid %d\n", svc.PID)
	}

	if summary, err := a.inspector.Summary(ctx, "/"); err == nil {
		fmt.Fprintf(out, "Host:             %s (%s %s, %s)\n", summary.Hostname, summary.Platform, summary.OSVersion, summary.KernelArch)
		fmt.Fprintf(out, "Disk free:        %.1f GB\n", float64(summary.DiskFree)/(1<<30))
	}

	v, err := a.client.Version(ctx)
	if err != nil {
		fmt.Fprintf(out, "Helper version:   unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Helper version:   %s\n", v)

	status, err := a.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "MDM enrolled:     %t\n", status.MDMEnrolled)
	fmt.Fprintf(out, "FileVault:        %t\n", status.DiskEncryptionEnabled)
	fmt.Fprintf(out, "Gatekeeper:       %t\n", status.SecurityPolicyEnabled)

	if backups, err := a.client.ListBackups(ctx); err == nil && len(backups) > 0 {
		fmt.Fprintln(out, "\nBackups:")
		for _, b := range backups {
			fmt.Fprintf(out, "  %s  %-10s %s\n", b.CreatedAt.Format("2006-01-02 15:04"), b.VendorID, b.Path)
		}
	}

	if logs, err := a.client.Audit(ctx, 10); err == nil && len(logs) > 0 {
		fmt.Fprintln(out, "\nRecent helper operations:")
		for _, l := range logs {
			fmt.Fprintf(out, "  %s  %-8s %s %s\n", l.CreatedAt, l.Status, l.Action, l.ResourceID)
		}
	}
	return nil
}

func runInstallHelper(ctx context.Context, a *app) error {
	if err := a.supervisor.Install(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.console.out, "Helper %s installed.\n", a.cfg.Helper.Label)
	return nil
}

func runRemoveProfiles(ctx context.Context, a *app) error {
	return a.exclusive(func() error { return removeProfiles(ctx, a) })
}

func removeProfiles(ctx context.Context, a *app) error {
	if err := a.ensureHelper(ctx); err != nil {
		return err
	}
	if !a.opts.assumeYes {
		ok, err := a.console.confirm("Remove every MDM profile from this Mac?")
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrCancelled
		}
	}
	if err := a.orch.ForceRemoveProfiles(ctx); err != nil {
		if errors.Is(err, models.ErrMigrationInProgress) {
			return fmt.Errorf("a migration is running: %w", err)
		}
		return err
	}
	fmt.Fprintln(a.console.out, "All profiles removed.")
	return nil
}

func describeVendor(v models.VendorInfo) string {
	switch {
	case v.IsNone():
		return "none"
	case v.IsUnknown():
		return "unidentified MDM"
	}
	name := sourceName(v)
	if v.ManagementType != "" {
		name += " (" + v.ManagementType + ")"
	}
	if v.IsTargetCompatible {
		name += ", already the target"
	}
	return name
}

var _ orchestrator.Prompter = (*console)(nil)
