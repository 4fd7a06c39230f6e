package boot

import (
	"context"
	"fmt"
	"slices"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/shellconf"
)

const (
	zfsHook   = "zfs"
	zfsModule = "zfs"
)

// systemdHooks are appended when the systemd-flavoured initramfs is used.
var systemdHooks = []string{"sd-vconsole", "sd-encrypt"}

// PatchHooks inserts the zfs hook right before "filesystems", or appends it
// when there is no such hook. With systemd set, the sd-* hooks are appended
// if missing. The result is the same when applied to its own output.
func PatchHooks(hooks []string, systemd bool) []string {
	out := slices.Clone(hooks)
	if i := slices.Index(out, zfsHook); i >= 0 {
		fs := slices.Index(out, "filesystems")
		if fs >= 0 && i > fs {
			out = slices.Delete(out, i, i+1)
			out = slices.Insert(out, fs, zfsHook)
		}
	} else if fs := slices.Index(out, "filesystems"); fs >= 0 {
		out = slices.Insert(out, fs, zfsHook)
	} else {
		out = append(out, zfsHook)
	}
	if systemd {
		for _, h := range systemdHooks {
			if !slices.Contains(out, h) {
				out = append(out, h)
			}
		}
	}
	return out
}

// PatchModules makes sure the zfs module is preloaded.
func PatchModules(mods []string) []string {
	if slices.Contains(mods, zfsModule) {
		return slices.Clone(mods)
	}
	return append(slices.Clone(mods), zfsModule)
}

// ConfigureInitramfs patches /etc/mkinitcpio.conf in the target and rebuilds
// every preset.
func (c *Configurer) ConfigureInitramfs(ctx context.Context, st *config.State) error {
	systemd := st.Boot.Bootloader == config.BootloaderSystemdBoot
	err := c.patch(st.Target("/etc/mkinitcpio.conf"), func(f *shellconf.File) error {
		hooks, _ := f.Array("HOOKS")
		if err := f.SetArray("HOOKS", PatchHooks(hooks, systemd)); err != nil {
			return err
		}
		mods, _ := f.Array("MODULES")
		return f.SetArray("MODULES", PatchModules(mods))
	})
	if err != nil {
		return err
	}
	if err := c.run(ctx, shell.Chroot(st.MountRoot, "mkinitcpio", "-P").LongRunning()); err != nil {
		return fmt.Errorf("generate initramfs: %w", err)
	}
	c.Log.Info().Bool("systemd", systemd).Msg("initramfs generated")
	return nil
}
