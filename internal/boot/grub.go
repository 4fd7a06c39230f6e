package boot

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/shellconf"
)

// GrubPackages lists what the grub path installs into the target.
func GrubPackages(dualBoot bool) []string {
	pkgs := []string{"grub", "efibootmgr", "dosfstools"}
	if dualBoot {
		pkgs = append(pkgs, "os-prober")
	}
	return pkgs
}

// PatchGrubDefaults edits /etc/default/grub in place:
//   - GRUB_PRELOAD_MODULES gains zfs, or is created as "part_gpt zfs"
//   - GRUB_CMDLINE_LINUX carries exactly one zfs=<root dataset> parameter
//   - GRUB_DISABLE_OS_PROBER=false when dual booting
//
// It fails when one of these keys is assigned in a form it cannot rewrite.
func PatchGrubDefaults(f *shellconf.File, rootParam string, dualBoot bool) error {
	preload := "part_gpt zfs"
	if v, ok := f.Get("GRUB_PRELOAD_MODULES"); ok {
		preload = v
		if mods := shellconf.Words(v); !slices.Contains(mods, "zfs") {
			preload = strings.Join(append(mods, "zfs"), " ")
		}
	}
	if err := f.Set("GRUB_PRELOAD_MODULES", preload); err != nil {
		return err
	}

	cmdline, _ := f.Get("GRUB_CMDLINE_LINUX")
	var words []string
	for _, w := range shellconf.Words(cmdline) {
		if !strings.HasPrefix(w, "zfs=") {
			words = append(words, w)
		}
	}
	if err := f.Set("GRUB_CMDLINE_LINUX", strings.Join(append(words, rootParam), " ")); err != nil {
		return err
	}

	if dualBoot {
		return f.Set("GRUB_DISABLE_OS_PROBER", "false")
	}
	return nil
}

func (c *Configurer) installGrub(ctx context.Context, st *config.State) error {
	root := st.MountRoot
	install := append([]string{"-S", "--noconfirm", "--needed"}, GrubPackages(st.Boot.DualBoot)...)
	if err := c.run(ctx, shell.Chroot(root, "pacman", install...).LongRunning()); err != nil {
		return fmt.Errorf("install grub packages: %w", err)
	}

	err := c.patch(st.Target("/etc/default/grub"), func(f *shellconf.File) error {
		return PatchGrubDefaults(f, RootParam(st), st.Boot.DualBoot)
	})
	if err != nil {
		return err
	}

	esp := st.ESPMountpoint()
	if err := c.run(ctx, shell.Chroot(root, "grub-install",
		"--target=x86_64-efi",
		"--efi-directory="+esp,
		"--bootloader-id=GRUB")); err != nil {
		return fmt.Errorf("grub-install: %w", err)
	}
	if err := c.run(ctx, shell.Chroot(root, "grub-mkconfig", "-o", "/boot/grub/grub.cfg").LongRunning()); err != nil {
		return fmt.Errorf("grub-mkconfig: %w", err)
	}
	c.Log.Info().Str("esp", esp).Bool("dual_boot", st.Boot.DualBoot).Msg("grub installed")
	return nil
}
