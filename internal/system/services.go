package system

import (
	"context"
	"fmt"

	"archzfs/installer/internal/config"
)

// ZFSServices import and mount the pool at boot.
var ZFSServices = []string{"zfs.target", "zfs-import-cache", "zfs-mount", "zfs-import.target"}

// ServicePackages maps optional services to the packages that provide them.
// Services not listed are assumed to ship with the base system.
var ServicePackages = map[string][]string{
	"sshd":         {"openssh"},
	"bluetooth":    {"bluez", "bluez-utils"},
	"cronie":       {"cronie"},
	"cups":         {"cups"},
	"dhcpcd":       {"dhcpcd"},
	"avahi-daemon": {"avahi"},
	"docker":       {"docker"},
}

// enable runs systemctl enable for each unit. Failures warn.
func (p *Provisioner) enable(ctx context.Context, st *config.State, units ...string) {
	for _, u := range units {
		if err := p.chroot(ctx, st, "systemctl", "enable", u); err != nil {
			p.warn("enable "+u, err)
		}
	}
}

// EnableServices enables the ZFS units and any optional services, installing
// their packages first. Nothing here fails the run.
func (p *Provisioner) EnableServices(ctx context.Context, st *config.State) error {
	p.enable(ctx, st, ZFSServices...)
	for _, svc := range st.System.Services {
		if pkgs := ServicePackages[svc]; len(pkgs) > 0 {
			if err := p.install(ctx, st, pkgs...); err != nil {
				p.warn("install "+svc, fmt.Errorf("install packages for %s: %w", svc, err))
				continue
			}
		}
		p.enable(ctx, st, svc)
	}
	return nil
}
