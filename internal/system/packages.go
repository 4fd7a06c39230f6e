package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/shell"
)

var essentials = []string{
	"vim", "nano", "networkmanager", "dhcpcd", "man-db", "man-pages", "which",
	"wget", "curl", "tar", "gzip", "unzip", "python", "python-pip",
}

// BasePackages is the pacstrap set: core system, the chosen kernel with its
// headers and matching zfs module, firmware, essentials, then any extra
// packages from the plan. Duplicates are dropped, first occurrence wins.
func BasePackages(st *config.State) []string {
	k := st.Boot.Kernel
	pkgs := []string{"base", "base-devel", k, k + "-headers", "linux-firmware", "zfs-" + k, "zfs-utils"}
	pkgs = append(pkgs, essentials...)
	pkgs = append(pkgs, st.System.Packages...)

	seen := map[string]bool{}
	out := pkgs[:0]
	for _, p := range pkgs {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Pacstrap bootstraps the base package set into the mount root. The package
// list is passed as separate arguments, never through a shell.
func (p *Provisioner) Pacstrap(ctx context.Context, st *config.State) error {
	pkgs := BasePackages(st)
	p.Log.Info().Int("packages", len(pkgs)).Str("kernel", st.Boot.Kernel).Msg("installing base system")
	args := append([]string{"-K", st.MountRoot}, pkgs...)
	if err := p.run(ctx, shell.Command("pacstrap", args...).LongRunning()); err != nil {
		return fmt.Errorf("pacstrap: %w", err)
	}
	return nil
}

// ReflectorArgs ranks mirrors for one country, or the fastest of all when
// country is empty.
func ReflectorArgs(country, dest string) []string {
	args := []string{"reflector"}
	if country != "" {
		args = append(args, "--country", country, "--latest", "20")
	} else {
		args = append(args, "--latest", "50")
	}
	return append(args, "--sort", "rate", "--save", dest)
}

// RankMirrors backs up the host mirrorlist and rewrites it with reflector.
func (p *Provisioner) RankMirrors(ctx context.Context, st *config.State) error {
	data, err := os.ReadFile(p.MirrorList)
	switch {
	case err == nil:
		backup := path.Join(path.Dir(p.MirrorList), "mirrorlist.backup")
		if err := fsatomic.WriteFile(backup, data, 0o644); err != nil {
			return fmt.Errorf("back up mirrorlist: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read mirrorlist: %w", err)
	}

	c := shell.Cmd{Args: ReflectorArgs(st.System.Mirrors.Country, p.MirrorList)}.LongRunning()
	if err := p.run(ctx, c); err != nil {
		return fmt.Errorf("rank mirrors: %w", err)
	}
	p.Log.Info().Str("country", st.System.Mirrors.Country).Msg("mirrorlist updated")
	return nil
}

// install adds packages to the target with pacman.
func (p *Provisioner) install(ctx context.Context, st *config.State, pkgs ...string) error {
	args := append([]string{"-S", "--noconfirm", "--needed"}, pkgs...)
	return p.run(ctx, shell.Chroot(st.MountRoot, "pacman", args...).LongRunning())
}
