// Package boot configures the initramfs and installs the boot loader into
// the mounted target. Every failure here is fatal: a system that cannot boot
// is not installed.
package boot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/shellconf"
)

type Configurer struct {
	Run shell.Runner
	Log zerolog.Logger
}

func New(run shell.Runner, log zerolog.Logger) *Configurer {
	return &Configurer{Run: run, Log: log}
}

func (c *Configurer) run(ctx context.Context, cmd shell.Cmd) error {
	return shell.Check(c.Run.Run(ctx, cmd))
}

// patch loads a shell-assignment file (missing is treated as empty), applies
// mutate and writes it back only when something changed. Nothing is written
// when mutate fails.
func (c *Configurer) patch(path string, mutate func(*shellconf.File) error) error {
	before, err := fsatomic.ReadOrEmpty(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	f := shellconf.Parse(before)
	if err := mutate(f); err != nil {
		return fmt.Errorf("patch %s: %w", path, err)
	}
	after := f.Bytes()
	if string(after) == string(before) {
		c.Log.Debug().Str("file", path).Msg("already up to date")
		return nil
	}
	c.Log.Debug().Str("file", path).Str("diff", shellconf.Diff(path, before, after)).Msg("patched")
	if err := fsatomic.WriteFile(path, after, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// RootParam is the kernel parameter naming the root dataset.
func RootParam(st *config.State) string {
	return "zfs=" + st.Datasets.Root
}

// InstallBootloader installs the loader chosen in the boot spec.
func (c *Configurer) InstallBootloader(ctx context.Context, st *config.State) error {
	if st.Datasets.Root == "" {
		return fmt.Errorf("root dataset is not known yet")
	}
	switch st.Boot.Bootloader {
	case config.BootloaderGrub:
		return c.installGrub(ctx, st)
	case config.BootloaderSystemdBoot:
		return c.installSystemdBoot(ctx, st)
	default:
		return &config.ValidationError{Field: "boot.bootloader", Msg: fmt.Sprintf("unsupported bootloader %q", st.Boot.Bootloader)}
	}
}
