package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/disks"
	"archzfs/installer/internal/shell"
)

const (
	schemeFull     = "Use the entire disk (erases everything on it)"
	schemeExisting = "Use existing partitions"
	maxSwapGiB     = 128
)

// Builder asks for every choice and returns a validated plan.
type Builder struct {
	Ask Asker
	Run shell.Runner
	Out io.Writer
	Log zerolog.Logger
	// MemTotal reports installed memory in bytes for the swap default.
	MemTotal func() (uint64, error)
}

func New(run shell.Runner, out io.Writer, log zerolog.Logger) *Builder {
	return &Builder{Ask: Survey{}, Run: run, Out: out, Log: log, MemTotal: memTotal}
}

func memTotal() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

// DefaultSwapGiB is half the installed memory, kept between 2 and 32 GiB.
func DefaultSwapGiB(totalBytes uint64) int {
	half := int(totalBytes / (1 << 30) / 2)
	return min(max(half, 2), 32)
}

// Build asks boot choices first so the disk layout only offers what the
// loader supports, then disk, pool and system, and finally has the operator
// confirm the wipe.
func (b *Builder) Build(ctx context.Context) (config.Plan, error) {
	p := config.DefaultPlan()
	steps := []struct {
		name string
		fn   func(context.Context, *config.Plan) error
	}{
		{"boot", b.boot},
		{"disk", b.disk},
		{"pool", b.pool},
		{"system", b.system},
		{"confirm", b.confirm},
	}
	for _, s := range steps {
		if err := s.fn(ctx, &p); err != nil {
			return config.Plan{}, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if err := p.Validate(); err != nil {
		return config.Plan{}, err
	}
	return p, nil
}

func (b *Builder) section(title string) {
	color.New(color.FgCyan, color.Bold).Fprintf(b.Out, "\n%s\n", title)
}

func (b *Builder) boot(_ context.Context, p *config.Plan) error {
	b.section("Boot")
	loader, err := b.Ask.Select("Select bootloader:", []string{string(config.BootloaderGrub), string(config.BootloaderSystemdBoot)}, string(p.Boot.Bootloader))
	if err != nil {
		return err
	}
	p.Boot.Bootloader = config.Bootloader(loader)
	if p.Boot.Kernel, err = b.Ask.Select("Select kernel package:", config.Kernels, p.Boot.Kernel); err != nil {
		return err
	}
	if p.Boot.Bootloader == config.BootloaderGrub {
		if p.Boot.DualBoot, err = b.Ask.Confirm("Set up for dual-boot with another OS?", false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) disk(ctx context.Context, p *config.Plan) error {
	b.section("Disk")
	found, err := disks.Collect(ctx, b.Run)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return errors.New("no disks found")
	}
	labels := make([]string, len(found))
	for i, d := range found {
		kind := "HDD"
		if d.SSD {
			kind = "SSD"
		}
		labels[i] = fmt.Sprintf("%s  %s  %s  %s", d.Path, disks.HumanSize(d.SizeBytes), kind, d.Model)
	}
	choice, err := b.Ask.Select("Select a disk to install to:", labels, "")
	if err != nil {
		return err
	}
	disk := found[slices.Index(labels, choice)]
	p.Disk.Path = disk.Path
	b.Log.Debug().Str("disk", disk.Path).Int("partitions", len(disk.Partitions)).Msg("disk selected")

	schemes := []string{schemeFull}
	if len(disk.Partitions) >= 2 {
		schemes = append(schemes, schemeExisting)
	}
	scheme, err := b.Ask.Select("Choose partitioning method:", schemes, schemeFull)
	if err != nil {
		return err
	}
	grub := p.Boot.Bootloader == config.BootloaderGrub
	if scheme == schemeFull {
		p.Disk.Scheme = config.SchemeFull
		if grub {
			p.Disk.SeparateBoot, err = b.Ask.Confirm("Create a separate /boot partition?", false)
		}
		return err
	}
	return b.existing(p, disk, grub)
}

func (b *Builder) existing(p *config.Plan, disk disks.Disk, grub bool) error {
	p.Disk.Scheme = config.SchemeExisting
	fstype := map[string]string{}
	var remaining []string
	for _, part := range disk.Partitions {
		remaining = append(remaining, part.Path)
		fstype[part.Path] = part.FSType
	}
	take := func(msg string) (string, error) {
		v, err := b.Ask.Select(msg, remaining, "")
		if err != nil {
			return "", err
		}
		remaining = slices.DeleteFunc(remaining, func(s string) bool { return s == v })
		return v, nil
	}

	var err error
	if p.Disk.EFIPartition, err = take("Select the EFI system partition:"); err != nil {
		return err
	}
	msg := fmt.Sprintf("Format %s as FAT32?", p.Disk.EFIPartition)
	if p.Disk.FormatEFI, err = b.Ask.Confirm(msg, fstype[p.Disk.EFIPartition] != "vfat"); err != nil {
		return err
	}
	if grub && len(remaining) >= 2 {
		if p.Disk.SeparateBoot, err = b.Ask.Confirm("Use a separate /boot partition?", false); err != nil {
			return err
		}
	}
	if p.Disk.SeparateBoot {
		if p.Disk.BootPart, err = take("Select the boot partition:"); err != nil {
			return err
		}
		msg := fmt.Sprintf("Format %s as ext4?", p.Disk.BootPart)
		if p.Disk.FormatBoot, err = b.Ask.Confirm(msg, fstype[p.Disk.BootPart] != "ext4"); err != nil {
			return err
		}
	}
	p.Disk.ZFSPartition, err = take("Select the ZFS partition:")
	return err
}

func (b *Builder) pool(_ context.Context, p *config.Plan) error {
	b.section("ZFS pool")
	var err error
	for {
		if p.Pool.Name, err = b.Ask.Input("Enter ZFS pool name:", p.Pool.Name); err != nil {
			return err
		}
		if err := config.ValidatePoolName(p.Pool.Name); err != nil {
			b.retry(err)
			continue
		}
		break
	}

	topologies := make([]string, len(config.Topologies))
	for i, t := range config.Topologies {
		topologies[i] = string(t)
	}
	topo, err := b.Ask.Select("Select pool layout:", topologies, string(p.Pool.Topology))
	if err != nil {
		return err
	}
	p.Pool.Topology = config.Topology(topo)
	if err := b.extraDevices(p); err != nil {
		return err
	}

	compressors := make([]string, len(config.Compressors))
	for i, c := range config.Compressors {
		compressors[i] = string(c)
	}
	comp, err := b.Ask.Select("Select compression algorithm:", compressors, string(p.Pool.Compression))
	if err != nil {
		return err
	}
	p.Pool.Compression = config.Compression(comp)
	if p.Pool.Dedup, err = b.Ask.Confirm("Enable deduplication? (not recommended for most systems)", false); err != nil {
		return err
	}
	if p.Pool.Encryption, err = b.Ask.Confirm("Enable native ZFS encryption?", false); err != nil {
		return err
	}
	if p.Pool.Encryption {
		if err := b.passphrase(p); err != nil {
			return err
		}
	}

	advanced, err := b.Ask.Confirm("Configure advanced ZFS options?", false)
	if err != nil {
		return err
	}
	if advanced {
		ashifts := make([]string, len(config.Ashifts))
		for i, a := range config.Ashifts {
			ashifts[i] = strconv.Itoa(a)
		}
		a, err := b.Ask.Select("Select ashift value:", ashifts, strconv.Itoa(p.Pool.Ashift))
		if err != nil {
			return err
		}
		p.Pool.Ashift, _ = strconv.Atoi(a)
		if p.Pool.Autotrim, err = b.Ask.Confirm("Enable autotrim? (recommended for SSDs)", true); err != nil {
			return err
		}
	}
	return b.swap(p)
}

// extraDevices asks for the additional vdev members until the count fits
// the topology.
func (b *Builder) extraDevices(p *config.Plan) error {
	p.Pool.ExtraDevices = nil
	need := p.Pool.Topology.MinDevices() - 1
	if need <= 0 {
		return nil
	}
	for {
		msg := fmt.Sprintf("Additional devices for %s (at least %d, space separated):", p.Pool.Topology, need)
		v, err := b.Ask.Input(msg, "")
		if err != nil {
			return err
		}
		p.Pool.ExtraDevices = strings.Fields(v)
		devices := append([]string{p.Disk.Path}, p.Pool.ExtraDevices...)
		if err := config.ValidateDevices(p.Pool.Topology, devices); err != nil {
			b.retry(err)
			continue
		}
		return nil
	}
}

func (b *Builder) passphrase(p *config.Plan) error {
	for {
		pass, err := b.Ask.Password("Enter encryption passphrase:")
		if err != nil {
			return err
		}
		confirm, err := b.Ask.Password("Confirm encryption passphrase:")
		if err != nil {
			return err
		}
		p.Pool.Passphrase, p.Pool.PassphraseConfirm = pass, confirm
		if err := p.Pool.Validate(); err != nil {
			b.retry(err)
			continue
		}
		return nil
	}
}

func (b *Builder) swap(p *config.Plan) error {
	use, err := b.Ask.Confirm("Create a swap ZVOL?", true)
	if err != nil || !use {
		p.Pool.SwapGiB = 0
		return err
	}
	def := 2
	if b.MemTotal != nil {
		if total, err := b.MemTotal(); err == nil {
			def = DefaultSwapGiB(total)
		} else {
			b.Log.Debug().Err(err).Msg("memory size unknown")
		}
	}
	for {
		v, err := b.Ask.Input("Enter swap size in GiB:", strconv.Itoa(def))
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 || n > maxSwapGiB {
			b.retry(fmt.Errorf("swap size must be a whole number between 1 and %d", maxSwapGiB))
			continue
		}
		p.Pool.SwapGiB = n
		return nil
	}
}

func (b *Builder) system(_ context.Context, p *config.Plan) error {
	b.section("System")
	s := &p.System
	var err error
	if s.Locale, err = b.Ask.Select("Select system locale:", Locales, s.Locale); err != nil {
		return err
	}
	if s.Keymap, err = b.Ask.Select("Select keyboard layout:", Keymaps, s.Keymap); err != nil {
		return err
	}
	if s.Timezone, err = b.Ask.Select("Select timezone:", Timezones, s.Timezone); err != nil {
		return err
	}
	for {
		if s.Hostname, err = b.Ask.Input("Enter hostname:", s.Hostname); err != nil {
			return err
		}
		if err := config.ValidateHostname(s.Hostname); err != nil {
			b.retry(err)
			continue
		}
		break
	}
	if s.Network, err = b.Ask.Select("Select network management tool:", config.Networks, s.Network); err != nil {
		return err
	}
	if s.RootPassword, s.RootPasswordConfirm, err = b.password("root"); err != nil {
		return err
	}
	if err := b.users(p); err != nil {
		return err
	}
	if s.Packages, err = b.Ask.MultiSelect("Select additional packages:", ExtraPackages, nil); err != nil {
		return err
	}
	if s.Services, err = b.Ask.MultiSelect("Select additional services to enable:", Services, nil); err != nil {
		return err
	}
	if s.Mirrors.Enabled, err = b.Ask.Confirm("Rank pacman mirrors with reflector?", true); err != nil {
		return err
	}
	if s.Mirrors.Enabled {
		country, err := b.Ask.Select("Select mirror country:", MirrorCountries, "all")
		if err != nil {
			return err
		}
		if country != "all" {
			s.Mirrors.Country = country
		}
	}
	return nil
}

// password asks until both entries match and are long enough.
func (b *Builder) password(who string) (string, string, error) {
	for {
		pw, err := b.Ask.Password(fmt.Sprintf("Enter password for %s:", who))
		if err != nil {
			return "", "", err
		}
		confirm, err := b.Ask.Password(fmt.Sprintf("Confirm password for %s:", who))
		if err != nil {
			return "", "", err
		}
		if err := config.ValidatePassword(who, pw, confirm); err != nil {
			b.retry(err)
			continue
		}
		return pw, confirm, nil
	}
}

func (b *Builder) users(p *config.Plan) error {
	msg := "Create a regular user account?"
	for {
		more, err := b.Ask.Confirm(msg, true)
		if err != nil || !more {
			return err
		}
		msg = "Create another user account?"

		var u config.UserSpec
		for {
			if u.Name, err = b.Ask.Input("Enter username:", ""); err != nil {
				return err
			}
			taken := u.Name == "root" || slices.ContainsFunc(p.System.Users, func(o config.UserSpec) bool { return o.Name == u.Name })
			probe := u
			probe.Password, probe.PasswordConfirm = "placeholder", "placeholder"
			if err := config.ValidateUser(probe); err != nil {
				b.retry(err)
				continue
			}
			if taken {
				b.retry(fmt.Errorf("user %q already exists", u.Name))
				continue
			}
			break
		}
		if u.Password, u.PasswordConfirm, err = b.password(u.Name); err != nil {
			return err
		}
		if u.Shell, err = b.Ask.Select("Select default shell:", config.Shells, "/bin/bash"); err != nil {
			return err
		}
		if u.Groups, err = b.Ask.MultiSelect("Select user groups:", Groups, DefaultGroups); err != nil {
			return err
		}
		if len(u.Groups) == 0 {
			u.Groups = append([]string(nil), DefaultGroups...)
		}
		p.System.Users = append(p.System.Users, u)
	}
}

// confirm shows the plan without secrets and makes the operator type the
// disk path before anything is erased.
func (b *Builder) confirm(_ context.Context, p *config.Plan) error {
	b.section("Summary")
	out, err := yaml.Marshal(p.Redacted())
	if err != nil {
		return err
	}
	fmt.Fprintln(b.Out, string(out))

	target := p.Disk.Path
	if p.Disk.Scheme == config.SchemeExisting {
		target = strings.Join([]string{p.Disk.EFIPartition, p.Disk.ZFSPartition}, ", ")
	}
	color.New(color.FgRed, color.Bold).Fprintf(b.Out, "WARNING: this will destroy all data on %s\n", target)
	ok, err := b.Ask.Confirm("Continue with the installation?", false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}
	typed, err := b.Ask.Input(fmt.Sprintf("Type %s to confirm:", p.Disk.Path), "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(typed) != p.Disk.Path {
		return ErrDeclined
	}
	return nil
}

func (b *Builder) retry(err error) {
	color.New(color.FgYellow).Fprintf(b.Out, "%v, try again\n", err)
}

// FillSecrets asks for every secret a loaded plan is missing. Plans are
// saved without them, so applying a saved plan always comes through here.
func (b *Builder) FillSecrets(p *config.Plan) error {
	var err error
	if p.Pool.Encryption && p.Pool.Passphrase == "" {
		if err := b.passphrase(p); err != nil {
			return err
		}
	}
	s := &p.System
	if s.RootPassword == "" {
		if s.RootPassword, s.RootPasswordConfirm, err = b.password("root"); err != nil {
			return err
		}
	}
	for i := range s.Users {
		u := &s.Users[i]
		if u.Password != "" {
			continue
		}
		if u.Password, u.PasswordConfirm, err = b.password(u.Name); err != nil {
			return err
		}
	}
	return nil
}
