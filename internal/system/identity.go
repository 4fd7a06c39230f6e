package system

import (
	"context"
	"fmt"
	"strings"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
)

// LocaleLine is the locale.gen entry for a locale such as en_US.UTF-8.
func LocaleLine(locale string) string {
	charset := "UTF-8"
	if i := strings.LastIndex(locale, "."); i >= 0 && i < len(locale)-1 {
		charset = locale[i+1:]
	}
	return locale + " " + charset
}

// EnableLocale uncomments the locale in locale.gen, appending it when the
// file has no such line.
func EnableLocale(data []byte, locale string) []byte {
	want := LocaleLine(locale)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	found := false
	for i, l := range lines {
		t := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "#"))
		if t == want {
			lines[i] = want
			found = true
		}
	}
	if !found {
		lines = append(lines, want)
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func (p *Provisioner) ConfigureLocale(ctx context.Context, st *config.State) error {
	sys := st.System
	gen, err := fsatomic.ReadOrEmpty(st.Target("/etc/locale.gen"))
	if err != nil {
		return err
	}
	if err := p.write(st, "/etc/locale.gen", string(EnableLocale(gen, sys.Locale)), 0o644); err != nil {
		return err
	}
	if err := p.chroot(ctx, st, "locale-gen"); err != nil {
		return fmt.Errorf("locale-gen: %w", err)
	}
	if err := p.write(st, "/etc/locale.conf", "LANG="+sys.Locale+"\n", 0o644); err != nil {
		return err
	}
	if sys.Keymap != "" {
		if err := p.write(st, "/etc/vconsole.conf", "KEYMAP="+sys.Keymap+"\n", 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) ConfigureTimezone(ctx context.Context, st *config.State) error {
	zone := "/usr/share/zoneinfo/" + st.System.Timezone
	if err := p.chroot(ctx, st, "ln", "-sf", zone, "/etc/localtime"); err != nil {
		return fmt.Errorf("set timezone: %w", err)
	}
	if err := p.chroot(ctx, st, "hwclock", "--systohc"); err != nil {
		p.warn("hwclock", err)
	}
	return nil
}

// HostsFile renders /etc/hosts for hostname.
func HostsFile(hostname string) string {
	return fmt.Sprintf("127.0.0.1\tlocalhost\n::1\t\tlocalhost\n127.0.1.1\t%s.localdomain\t%s\n", hostname, hostname)
}

func (p *Provisioner) ConfigureHostname(_ context.Context, st *config.State) error {
	if err := p.write(st, "/etc/hostname", st.System.Hostname+"\n", 0o644); err != nil {
		return err
	}
	return p.write(st, "/etc/hosts", HostsFile(st.System.Hostname), 0o644)
}

const wiredNetwork = `[Match]
Name=en*

[Network]
DHCP=yes
IPv6PrivacyExtensions=yes
`

func (p *Provisioner) ConfigureNetwork(ctx context.Context, st *config.State) error {
	switch st.System.Network {
	case "networkmanager":
		p.enable(ctx, st, "NetworkManager")
	case "systemd-networkd":
		if err := p.write(st, "/etc/systemd/network/20-wired.network", wiredNetwork, 0o644); err != nil {
			return err
		}
		p.enable(ctx, st, "systemd-networkd", "systemd-resolved")
	}
	return nil
}
