package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/deniswernert/go-fstab"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/disks"
	"archzfs/installer/internal/fsatomic"
)

const fstabHeader = "# /etc/fstab: static file system information\n# <file system>\t<dir>\t<type>\t<options>\t<dump>\t<pass>\n"

// FstabLine renders one entry. Options keep the given order.
func FstabLine(spec, file, vfsType string, opts []string, freq, pass int) string {
	return strings.Join([]string{spec, file, vfsType, strings.Join(opts, ","), strconv.Itoa(freq), strconv.Itoa(pass)}, "\t")
}

// mountKey identifies an entry: swap by its device, everything else by its
// mount point.
func mountKey(m *fstab.Mount) string {
	if m.VfsType == "swap" {
		return "swap:" + m.Spec
	}
	return m.File
}

// FstabEntries lists what the target needs beyond the ZFS datasets, which
// zfs-mount handles: tmpfs /tmp, the ESP, the optional boot partition and
// the swap volume.
func FstabEntries(st *config.State, efiSpec, bootSpec string) []string {
	lines := []string{
		FstabLine("tmpfs", "/tmp", "tmpfs", []string{"defaults", "nosuid", "nodev"}, 0, 0),
		FstabLine(efiSpec, st.ESPMountpoint(), "vfat", []string{"defaults", "noatime"}, 0, 2),
	}
	if bootSpec != "" {
		lines = append(lines, FstabLine(bootSpec, "/boot", "ext4", []string{"defaults", "noatime"}, 0, 2))
	}
	if dev := st.SwapDevice(); dev != "" {
		lines = append(lines, FstabLine(dev, "none", "swap", []string{"defaults"}, 0, 0))
	}
	return lines
}

// MergeFstab appends entries whose mount point is not already present.
func MergeFstab(existing []byte, entries []string) ([]byte, error) {
	have := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		m, err := fstab.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("parse fstab line %q: %w", line, err)
		}
		if m != nil {
			have[mountKey(m)] = true
		}
	}

	var b strings.Builder
	if strings.TrimSpace(string(existing)) == "" {
		b.WriteString(fstabHeader)
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			b.WriteByte('\n')
		}
	}
	for _, line := range entries {
		m, err := fstab.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("render fstab entry: %w", err)
		}
		if have[mountKey(m)] {
			continue
		}
		have[mountKey(m)] = true
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// spec prefers UUID= so the entry survives device renumbering.
func (p *Provisioner) spec(ctx context.Context, dev string) string {
	uuid, err := disks.UUID(ctx, p.Run, dev)
	if err != nil || uuid == "" {
		return dev
	}
	return "UUID=" + uuid
}

func (p *Provisioner) WriteFstab(ctx context.Context, st *config.State) error {
	var boot string
	if st.Partitions.Boot != "" {
		boot = p.spec(ctx, st.Partitions.Boot)
	}
	entries := FstabEntries(st, p.spec(ctx, st.Partitions.EFI), boot)

	path := st.Target("/etc/fstab")
	existing, err := fsatomic.ReadOrEmpty(path)
	if err != nil {
		return err
	}
	out, err := MergeFstab(existing, entries)
	if err != nil {
		return err
	}
	return fsatomic.WriteFile(path, out, 0o644)
}
