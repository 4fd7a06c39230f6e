// Package system installs the base package set into the mounted target and
// writes its identity: fstab, locale, keymap, timezone, hostname, network,
// accounts and services.
package system

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/shell"
)

const DefaultMirrorList = "/etc/pacman.d/mirrorlist"

// Provisioner runs every step against the target, never the live host,
// except mirror ranking which prepares the host's own mirrorlist for
// pacstrap.
type Provisioner struct {
	Run shell.Runner
	Log zerolog.Logger
	// MirrorList is the host mirrorlist rewritten by reflector.
	MirrorList string
	// Warn, when set, is told about every non-fatal failure.
	Warn func(step string, err error)
}

func New(run shell.Runner, log zerolog.Logger) *Provisioner {
	return &Provisioner{Run: run, Log: log, MirrorList: DefaultMirrorList}
}

func (p *Provisioner) run(ctx context.Context, c shell.Cmd) error {
	return shell.Check(p.Run.Run(ctx, c))
}

func (p *Provisioner) chroot(ctx context.Context, st *config.State, name string, args ...string) error {
	return p.run(ctx, shell.Chroot(st.MountRoot, name, args...))
}

func (p *Provisioner) warn(step string, err error) {
	p.Log.Warn().Err(err).Str("step", step).Msg("continuing after failure")
	if p.Warn != nil {
		p.Warn(step, err)
	}
}

func (p *Provisioner) write(st *config.State, rel, body string, perm os.FileMode) error {
	if err := fsatomic.WriteFile(st.Target(rel), []byte(body), perm); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// InstallBase ranks mirrors (best effort) and bootstraps the package set.
func (p *Provisioner) InstallBase(ctx context.Context, st *config.State) error {
	if st.System.Mirrors.Enabled {
		if err := p.RankMirrors(ctx, st); err != nil {
			p.warn("mirrors", err)
		}
	}
	return p.Pacstrap(ctx, st)
}

// Configure applies the system settings to the installed root. Service
// enablement and clock sync only warn; everything else is fatal.
func (p *Provisioner) Configure(ctx context.Context, st *config.State) error {
	steps := []struct {
		name string
		fn   func(context.Context, *config.State) error
	}{
		{"fstab", p.WriteFstab},
		{"locale", p.ConfigureLocale},
		{"timezone", p.ConfigureTimezone},
		{"hostname", p.ConfigureHostname},
		{"network", p.ConfigureNetwork},
		{"accounts", p.ConfigureAccounts},
		{"services", p.EnableServices},
	}
	for _, s := range steps {
		p.Log.Debug().Str("step", s.name).Msg("configuring")
		if err := s.fn(ctx, st); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
