package boot

import (
	"context"
	"fmt"
	"path"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/shell"
)

const loaderConf = `default arch.conf
timeout 4
console-mode max
editor no
`

// LoaderEntry renders loader/entries/arch.conf for the chosen kernel.
func LoaderEntry(kernel, rootParam string) string {
	return fmt.Sprintf("title Arch Linux (ZFS)\nlinux /vmlinuz-%s\ninitrd /initramfs-%s.img\noptions %s rw\n",
		kernel, kernel, rootParam)
}

func (c *Configurer) installSystemdBoot(ctx context.Context, st *config.State) error {
	root := st.MountRoot
	if err := c.run(ctx, shell.Chroot(root, "pacman", "-S", "--noconfirm", "--needed", "efibootmgr", "dosfstools").LongRunning()); err != nil {
		return fmt.Errorf("install systemd-boot packages: %w", err)
	}
	esp := st.ESPMountpoint()
	if err := c.run(ctx, shell.Chroot(root, "bootctl", "--esp-path="+esp, "install")); err != nil {
		return fmt.Errorf("bootctl install: %w", err)
	}

	files := []struct {
		rel  string
		body string
	}{
		{"loader/loader.conf", loaderConf},
		{"loader/entries/arch.conf", LoaderEntry(st.Boot.Kernel, RootParam(st))},
	}
	for _, f := range files {
		p := st.Target(path.Join(esp, f.rel))
		if err := fsatomic.WriteFile(p, []byte(f.body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.rel, err)
		}
	}
	c.Log.Info().Str("esp", esp).Str("kernel", st.Boot.Kernel).Msg("systemd-boot installed")
	return nil
}
