// Package mount places the pool's datasets and the boot partitions under the
// mount root and takes them down again in reverse order.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/zfs"
)

// Importer brings the pool in without mounting anything.
type Importer interface {
	Import(ctx context.Context, st *config.State, mount bool) error
}

// Entry is one mount in the ledger. Dataset is empty for block partitions.
type Entry struct {
	Dataset string
	Device  string
	Path    string
}

func (e Entry) String() string {
	if e.Dataset != "" {
		return e.Dataset + " on " + e.Path
	}
	return e.Device + " on " + e.Path
}

// Manager mounts in dependency order and records every successful mount so
// teardown only touches what is actually mounted.
type Manager struct {
	Run  shell.Runner
	Log  zerolog.Logger
	Pool Importer

	ledger []Entry
}

func New(run shell.Runner, pool Importer, log zerolog.Logger) *Manager {
	return &Manager{Run: run, Pool: pool, Log: log}
}

// Mounted returns the ledger in mount order.
func (m *Manager) Mounted() []Entry {
	return append([]Entry(nil), m.ledger...)
}

func (m *Manager) run(ctx context.Context, c shell.Cmd) error {
	return shell.Check(m.Run.Run(ctx, c))
}

// Mount imports the pool without mounting, mounts the root dataset at the
// mount root, then home, var, var/log and var/cache, then the boot
// partitions.
func (m *Manager) Mount(ctx context.Context, st *config.State) error {
	if len(m.ledger) > 0 {
		return fmt.Errorf("already mounted: %s", m.ledger[0])
	}
	if err := m.Pool.Import(ctx, st, false); err != nil {
		m.Log.Warn().Err(err).Msg("pool import failed, assuming it is already imported")
	}
	if err := os.MkdirAll(st.MountRoot, 0o755); err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}

	for _, ds := range zfs.Tree(st.Datasets) {
		mp := ds.Mountpoint()
		if mp == "" {
			continue
		}
		target := st.Target(mp)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		if err := m.run(ctx, shell.Command("zfs", "set", "mountpoint="+target, ds.Name)); err != nil {
			return fmt.Errorf("set mountpoint of %s: %w", ds.Name, err)
		}
		if err := m.run(ctx, shell.Command("zfs", "mount", ds.Name)); err != nil {
			return fmt.Errorf("mount %s: %w", ds.Name, err)
		}
		m.ledger = append(m.ledger, Entry{Dataset: ds.Name, Path: target})
		m.Log.Debug().Str("dataset", ds.Name).Str("path", target).Msg("mounted")
	}

	// The separate boot partition goes first; with grub the ESP nests inside it.
	if st.Partitions.Boot != "" {
		if err := m.mountDevice(ctx, st.Partitions.Boot, st.Target("/boot")); err != nil {
			return err
		}
	}
	if err := m.mountDevice(ctx, st.Partitions.EFI, st.Target(st.ESPMountpoint())); err != nil {
		return err
	}
	m.Log.Info().Int("mounts", len(m.ledger)).Str("root", st.MountRoot).Msg("filesystems mounted")
	return nil
}

func (m *Manager) mountDevice(ctx context.Context, dev, target string) error {
	if dev == "" {
		return errors.New("no device for " + target)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if err := m.run(ctx, shell.Command("mount", dev, target)); err != nil {
		return fmt.Errorf("mount %s: %w", dev, err)
	}
	m.ledger = append(m.ledger, Entry{Device: dev, Path: target})
	m.Log.Debug().Str("device", dev).Str("path", target).Msg("mounted")
	return nil
}

// Unmount walks the ledger backwards: boot partitions first, then datasets
// from the most nested up to the root. Every entry is attempted; failures
// are logged, stay in the ledger and are returned joined.
func (m *Manager) Unmount(ctx context.Context) error {
	var errs []error
	var remaining []Entry
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		c := shell.Command("umount", e.Path)
		if e.Dataset != "" {
			c = shell.Command("zfs", "unmount", e.Dataset)
		}
		if err := m.run(ctx, c); err != nil {
			m.Log.Warn().Err(err).Str("mount", e.String()).Msg("unmount failed")
			errs = append(errs, fmt.Errorf("unmount %s: %w", e, err))
			remaining = append([]Entry{e}, remaining...)
			continue
		}
		m.Log.Debug().Str("mount", e.String()).Msg("unmounted")
	}
	m.ledger = remaining
	return errors.Join(errs...)
}

// RestoreMountpoints points every dataset back at its in-system location
// once it is unmounted, so the installed system mounts / and friends rather
// than paths under the mount root.
func (m *Manager) RestoreMountpoints(ctx context.Context, st *config.State) error {
	var errs []error
	for _, ds := range zfs.Tree(st.Datasets) {
		mp := ds.Mountpoint()
		if mp == "" {
			continue
		}
		if err := m.run(ctx, shell.Command("zfs", "set", "mountpoint="+mp, ds.Name)); err != nil {
			errs = append(errs, fmt.Errorf("restore mountpoint of %s: %w", ds.Name, err))
		}
	}
	return errors.Join(errs...)
}
