package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/installer"
	"archzfs/installer/internal/metrics"
	"archzfs/installer/internal/prompt"
	"archzfs/installer/internal/shell"
)

const fallbackLogFile = "zfs-installer.log"

type app struct {
	debug    bool
	settings string
	planFile string
	out      string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "zfs-installer",
		Short: "Install Arch Linux on a ZFS root",
		Long: `zfs-installer partitions a disk, creates a ZFS pool and dataset tree,
bootstraps Arch Linux into it and installs a boot loader that can find it.

Run without arguments for the guided installation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.apply(cmd.Context())
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debug logging and full diagnostics on failure")
	root.PersistentFlags().StringVar(&a.settings, "settings", "", "settings file (yaml, toml or json)")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Run an installation from a plan file or the prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.apply(cmd.Context())
		},
	}
	apply.Flags().StringVar(&a.planFile, "plan", "", "plan file to apply instead of prompting")

	plan := &cobra.Command{
		Use:   "plan",
		Short: "Answer the prompts and save the plan without installing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.writePlan(cmd.Context())
		},
	}
	plan.Flags().StringVarP(&a.out, "output", "o", "zfs-installer.plan.yaml", "where to write the plan")

	validate := &cobra.Command{
		Use:   "validate PLAN",
		Short: "Check a plan file without touching the system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if err := p.ValidateLayout(); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(a.stdout, "%s: ok\n", args[0])
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "zfs-installer %s (commit: %s)\n", version, commit)
		},
	}

	root.AddCommand(apply, plan, validate, versionCmd)
	return root
}

// setup loads settings and builds the logger: console on stderr, JSON to
// the log file. The returned path is the log file actually opened.
func (a *app) setup() (config.Settings, zerolog.Logger, string, func(), error) {
	s, err := config.LoadSettings(viper.New(), a.settings)
	if err != nil {
		return s, zerolog.Nop(), "", nil, err
	}
	if a.debug {
		s.LogLevel = zerolog.DebugLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	console := zerolog.ConsoleWriter{Out: a.stderr, TimeFormat: time.Kitchen}
	path := s.LogFile
	f, err := openLog(path)
	if err != nil {
		path = fallbackLogFile
		if f, err = openLog(path); err != nil {
			log := zerolog.New(console).Level(s.LogLevel).With().Timestamp().Logger()
			log.Warn().Err(err).Msg("no log file, logging to the console only")
			return s, log, "", func() {}, nil
		}
	}
	log := zerolog.New(zerolog.MultiLevelWriter(console, f)).Level(s.LogLevel).With().Timestamp().Logger()
	return s, log, path, func() { _ = f.Close() }, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("no log file configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func (a *app) banner() {
	c := color.New(color.FgBlue, color.Bold)
	c.Fprintln(a.stdout, "\n╔═══════════════════════════════════════╗")
	c.Fprintln(a.stdout, "║     Arch Linux on ZFS installer       ║")
	c.Fprintln(a.stdout, "╚═══════════════════════════════════════╝")
}

func (a *app) writePlan(ctx context.Context) error {
	if !interactive() {
		return errors.New("plan needs an interactive terminal")
	}
	_, log, _, closeLog, err := a.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.banner()
	exec := &shell.Exec{Log: log}
	p, err := prompt.New(exec, a.stdout, log).Build(ctx)
	if err != nil {
		return err
	}
	if err := config.SavePlan(a.out, p); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	color.New(color.FgGreen).Fprintf(a.stdout, "Plan written to %s (secrets are not saved).\n", a.out)
	return nil
}

func (a *app) apply(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return errors.New("zfs-installer must be run as root")
	}
	s, log, logPath, closeLog, err := a.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	release, err := fsatomic.Lock(s.LockFile)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := &shell.Exec{Log: log.With().Str("component", "shell").Logger(), Timeout: s.Timeout, LongTimeout: s.LongTimeout}
	tty := interactive()
	ask := prompt.New(exec, a.stdout, log)

	var p config.Plan
	switch {
	case a.planFile != "":
		if p, err = config.LoadPlan(a.planFile); err != nil {
			return err
		}
		if tty {
			if err := ask.FillSecrets(&p); err != nil {
				return err
			}
		}
	case tty:
		a.banner()
		if p, err = ask.Build(ctx); err != nil {
			return err
		}
	default:
		return errors.New("no terminal to prompt on; pass --plan")
	}

	st := config.NewState(p, s.MountRoot)
	m := metrics.New()
	o := installer.New(st, exec, log, m, installer.Options{
		ByIDDir:         s.ByIDDir,
		CacheFile:       s.CacheFile,
		LogFile:         logPath,
		JournalFile:     s.JournalFile,
		ExportOnFailure: s.ExportOnFailure,
	})
	o.Observer = installer.NewConsoleObserver(a.stdout)
	defer o.Teardown(ctx)

	log.Info().Str("disk", p.Disk.Path).Str("pool", p.Pool.Name).Str("run", o.Journal.ID).Msg("starting installation")
	runErr := o.Run(ctx)
	m.SetCompleted(st.InstallationComplete)
	if err := m.WriteTextfile(s.MetricsFile); err != nil {
		log.Warn().Err(err).Str("file", s.MetricsFile).Msg("metrics not written")
	}
	if runErr != nil {
		return runErr
	}

	color.New(color.FgGreen, color.Bold).Fprintln(a.stdout, "\n✓ Installation completed successfully!")
	fmt.Fprintln(a.stdout, "Please remove the installation media and reboot.")
	return nil
}
