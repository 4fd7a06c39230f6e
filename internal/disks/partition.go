package disks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
)

// GPT type codes used by the full-disk layout.
const (
	TypeEFI   = "ef00"
	TypeLinux = "8300"
	TypeZFS   = "bf00"
)

var reTrailingDigit = regexp.MustCompile(`[0-9]$`)

// PartitionPath names partition n of disk. Devices whose name ends in a digit
// (nvme0n1, mmcblk0, loop0) take a "p" separator.
func PartitionPath(disk string, n int) string {
	if reTrailingDigit.MatchString(disk) {
		return disk + "p" + strconv.Itoa(n)
	}
	return disk + strconv.Itoa(n)
}

type layoutPart struct {
	name     string
	size     string
	typecode string
}

// Layout returns the sgdisk partition plan for the full-disk scheme.
func Layout(separateBoot bool) []layoutPart {
	parts := []layoutPart{{name: "EFI", size: "+512M", typecode: TypeEFI}}
	if separateBoot {
		parts = append(parts, layoutPart{name: "BOOT", size: "+1G", typecode: TypeLinux})
	}
	return append(parts, layoutPart{name: "ZFS", size: "0", typecode: TypeZFS})
}

// Partitioner turns the disk choice into concrete, formatted partitions and
// records them in the state's partition map.
type Partitioner struct {
	Run shell.Runner
	Log zerolog.Logger
}

func (p *Partitioner) Partition(ctx context.Context, st *config.State) error {
	if err := st.Disk.Validate(); err != nil {
		return err
	}
	switch st.Disk.Scheme {
	case config.SchemeExisting:
		return p.useExisting(ctx, st)
	default:
		return p.wipeAndPartition(ctx, st)
	}
}

func (p *Partitioner) must(ctx context.Context, c shell.Cmd) error {
	return shell.Check(p.Run.Run(ctx, c))
}

func (p *Partitioner) wipeAndPartition(ctx context.Context, st *config.State) error {
	disk := st.Disk.Path
	p.Log.Info().Str("disk", disk).Bool("separate_boot", st.Disk.SeparateBoot).Msg("partitioning disk")

	if err := p.must(ctx, shell.Command("sgdisk", "--zap-all", disk)); err != nil {
		return fmt.Errorf("wipe partition table: %w", err)
	}
	var pm config.PartitionMap
	for i, part := range Layout(st.Disk.SeparateBoot) {
		n := i + 1
		c := shell.Command("sgdisk",
			fmt.Sprintf("--new=%d:0:%s", n, part.size),
			fmt.Sprintf("--typecode=%d:%s", n, part.typecode),
			fmt.Sprintf("--change-name=%d:%s", n, part.name),
			disk)
		if err := p.must(ctx, c); err != nil {
			return fmt.Errorf("create %s partition: %w", part.name, err)
		}
		switch part.name {
		case "EFI":
			pm.EFI = PartitionPath(disk, n)
		case "BOOT":
			pm.Boot = PartitionPath(disk, n)
		case "ZFS":
			pm.ZFS = PartitionPath(disk, n)
		}
	}
	if err := p.must(ctx, shell.Command("partprobe", disk)); err != nil {
		return fmt.Errorf("re-read partition table: %w", err)
	}
	if err := p.must(ctx, shell.Command("udevadm", "settle")); err != nil {
		p.Log.Warn().Err(err).Msg("udevadm settle failed, continuing")
	}
	st.Partitions = pm

	if err := p.must(ctx, shell.Command("mkfs.fat", "-F32", "-n", "EFI", pm.EFI)); err != nil {
		return fmt.Errorf("format EFI partition: %w", err)
	}
	if pm.Boot != "" {
		if err := p.must(ctx, shell.Command("mkfs.ext4", "-F", "-L", "BOOT", pm.Boot)); err != nil {
			return fmt.Errorf("format boot partition: %w", err)
		}
	}
	p.Log.Info().Str("efi", pm.EFI).Str("boot", pm.Boot).Str("zfs", pm.ZFS).Msg("partitions created")
	return nil
}

func (p *Partitioner) useExisting(ctx context.Context, st *config.State) error {
	d := st.Disk
	pm := config.PartitionMap{EFI: d.EFIPartition, ZFS: d.ZFSPartition}
	if d.SeparateBoot {
		pm.Boot = d.BootPart
	}

	if d.FormatEFI {
		if err := p.must(ctx, shell.Command("mkfs.fat", "-F32", "-n", "EFI", pm.EFI)); err != nil {
			return fmt.Errorf("format EFI partition: %w", err)
		}
	} else {
		fs, err := FSType(ctx, p.Run, pm.EFI)
		if err != nil {
			return fmt.Errorf("probe EFI partition: %w", err)
		}
		if fs != "vfat" {
			return &config.ValidationError{Field: "disk.efiPartition", Msg: fmt.Sprintf("%s is not FAT32 (found %q); set formatEfi", pm.EFI, fs)}
		}
	}
	if pm.Boot != "" && d.FormatBoot {
		if err := p.must(ctx, shell.Command("mkfs.ext4", "-F", "-L", "BOOT", pm.Boot)); err != nil {
			return fmt.Errorf("format boot partition: %w", err)
		}
	}
	st.Partitions = pm
	p.Log.Info().Str("efi", pm.EFI).Str("boot", pm.Boot).Str("zfs", pm.ZFS).Msg("using existing partitions")
	return nil
}
