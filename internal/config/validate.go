package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError rejects a plan value before any external command runs.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

var (
	rePoolName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)
	reUsername = regexp.MustCompile(`^[a-z_][a-z0-9_-]*[$]?$`)
	reHostname = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
	reDigitEnd = regexp.MustCompile(`[0-9]$`)
	reDigits   = regexp.MustCompile(`^[0-9]+$`)
)

const (
	MinPassphraseLen = 8
	MinPasswordLen   = 6
)

func ValidatePoolName(name string) error {
	if !rePoolName.MatchString(name) {
		return invalid("pool.name", "%q is not a valid pool name", name)
	}
	return nil
}

func ValidateHostname(name string) error {
	if !reHostname.MatchString(name) {
		return invalid("system.hostname", "%q is not a valid hostname", name)
	}
	return nil
}

// Validate checks the pool settings, including the passphrase confirmation.
func (p PoolSpec) Validate() error {
	if err := ValidatePoolName(p.Name); err != nil {
		return err
	}
	if !slices.Contains(Topologies, p.Topology) {
		return invalid("pool.topology", "unsupported topology %q", p.Topology)
	}
	if !slices.Contains(Compressors, p.Compression) {
		return invalid("pool.compression", "unsupported compression %q", p.Compression)
	}
	if !slices.Contains(Ashifts, p.Ashift) {
		return invalid("pool.ashift", "ashift must be one of 9, 12, 13, got %d", p.Ashift)
	}
	if p.SwapGiB < 0 {
		return invalid("pool.swapGiB", "must not be negative")
	}
	if p.Encryption {
		if len(p.Passphrase) < MinPassphraseLen {
			return invalid("pool.passphrase", "must be at least %d characters", MinPassphraseLen)
		}
		if p.Passphrase != p.PassphraseConfirm {
			return invalid("pool.passphrase", "passphrases do not match")
		}
	}
	return nil
}

// ValidateDevices checks the backing device count against the topology and
// that no partition is used twice.
func ValidateDevices(t Topology, devices []string) error {
	n := len(devices)
	if t == TopologySingle && n != 1 {
		return invalid("pool.topology", "single needs exactly 1 backing partition, got %d", n)
	}
	if n < t.MinDevices() {
		return invalid("pool.topology", "%s needs at least %d backing partitions, got %d", t, t.MinDevices(), n)
	}
	seen := map[string]bool{}
	for _, d := range devices {
		if seen[d] {
			return invalid("pool.extraDevices", "%s listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

func (d DiskSpec) Validate() error {
	if strings.TrimSpace(d.Path) == "" {
		return invalid("disk.path", "required")
	}
	switch d.Scheme {
	case SchemeFull:
		return nil
	case SchemeExisting:
	default:
		return invalid("disk.scheme", "unsupported scheme %q", d.Scheme)
	}
	if d.EFIPartition == "" {
		return invalid("disk.efiPartition", "required for the existing scheme")
	}
	if d.ZFSPartition == "" {
		return invalid("disk.zfsPartition", "required for the existing scheme")
	}
	if d.EFIPartition == d.ZFSPartition {
		return invalid("disk.zfsPartition", "must differ from the EFI partition")
	}
	if d.SeparateBoot {
		if d.BootPart == "" {
			return invalid("disk.bootPartition", "required when separateBoot is set")
		}
		if d.BootPart == d.EFIPartition || d.BootPart == d.ZFSPartition {
			return invalid("disk.bootPartition", "must differ from the EFI and ZFS partitions")
		}
	}
	return nil
}

func (b BootSpec) Validate() error {
	if b.Bootloader != BootloaderGrub && b.Bootloader != BootloaderSystemdBoot {
		return invalid("boot.bootloader", "unsupported bootloader %q", b.Bootloader)
	}
	if !slices.Contains(Kernels, b.Kernel) {
		return invalid("boot.kernel", "unsupported kernel %q", b.Kernel)
	}
	return nil
}

// ValidateUser enforces the account rules used by both prompts and plans.
func ValidateUser(u UserSpec) error {
	if !reUsername.MatchString(u.Name) {
		return invalid("user.name", "%q is not a valid username", u.Name)
	}
	if err := ValidatePassword(u.Name, u.Password, u.PasswordConfirm); err != nil {
		return err
	}
	if u.Shell != "" && !slices.Contains(Shells, u.Shell) {
		return invalid("user.shell", "unsupported shell %q", u.Shell)
	}
	return nil
}

func ValidatePassword(who, pw, confirm string) error {
	if len(pw) < MinPasswordLen {
		return invalid("password", "password for %s must be at least %d characters", who, MinPasswordLen)
	}
	if pw != confirm {
		return invalid("password", "passwords for %s do not match", who)
	}
	return nil
}

func (s SystemSpec) Validate() error {
	if err := ValidateHostname(s.Hostname); err != nil {
		return err
	}
	if !slices.Contains(Networks, s.Network) {
		return invalid("system.network", "unsupported network stack %q", s.Network)
	}
	if err := ValidatePassword("root", s.RootPassword, s.RootPasswordConfirm); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, u := range s.Users {
		if err := ValidateUser(u); err != nil {
			return err
		}
		if seen[u.Name] || u.Name == "root" {
			return invalid("user.name", "duplicate user %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// Validate checks the whole plan and reports every failing section.
func (p Plan) Validate() error {
	errs := []error{
		p.Disk.Validate(),
		p.Pool.Validate(),
		p.Boot.Validate(),
		p.System.Validate(),
	}
	primary := p.Disk.ZFSPartition
	if p.Disk.Scheme != SchemeExisting {
		primary = p.Disk.Path + " (zfs partition)"
	}
	devices := append([]string{primary}, p.Pool.ExtraDevices...)
	errs = append(errs, ValidateDevices(p.Pool.Topology, devices))
	if p.Boot.Bootloader == BootloaderSystemdBoot && p.Disk.SeparateBoot {
		errs = append(errs, invalid("disk.separateBoot", "systemd-boot loads the kernel from the EFI partition; a separate boot partition is not supported"))
	}
	for _, d := range p.Pool.ExtraDevices {
		switch {
		case d == p.Disk.Path || d == p.Disk.EFIPartition || (p.Disk.SeparateBoot && d == p.Disk.BootPart):
			errs = append(errs, invalid("pool.extraDevices", "%s overlaps the boot disk layout", d))
		case p.Disk.Scheme == SchemeFull && partitionOf(p.Disk.Path, d):
			errs = append(errs, invalid("pool.extraDevices", "%s is on %s, which is wiped and repartitioned", d, p.Disk.Path))
		}
	}
	return errors.Join(errs...)
}

// partitionOf reports whether dev names a partition of disk: sda1 for sda,
// nvme0n1p2 for nvme0n1.
func partitionOf(disk, dev string) bool {
	rest, ok := strings.CutPrefix(dev, disk)
	if !ok || disk == "" {
		return false
	}
	if reDigitEnd.MatchString(disk) {
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return false
		}
	}
	return reDigits.MatchString(rest)
}

// ValidateLayout checks a saved plan, which carries no secrets: every rule
// except the password and passphrase checks.
func (p Plan) ValidateLayout() error {
	const placeholder = "placeholder-secret"
	q := p.Redacted()
	if q.Pool.Encryption {
		q.Pool.Passphrase, q.Pool.PassphraseConfirm = placeholder, placeholder
	}
	q.System.RootPassword, q.System.RootPasswordConfirm = placeholder, placeholder
	for i := range q.System.Users {
		q.System.Users[i].Password = placeholder
		q.System.Users[i].PasswordConfirm = placeholder
	}
	return q.Validate()
}
