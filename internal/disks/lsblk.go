package disks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"archzfs/installer/internal/shell"
)

type lsblkJSON struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       any           `json:"size"`
	Rota       any           `json:"rota"`
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	Mountpoint *string       `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	PartLabel  string        `json:"partlabel"`
	Children   []lsblkDevice `json:"children"`
}

type Disk struct {
	Name       string
	Path       string
	SizeBytes  int64
	Model      string
	SSD        bool
	Partitions []Partition
}

type Partition struct {
	Path       string
	SizeBytes  int64
	FSType     string
	Label      string
	Mountpoint string
}

func ParseSizeToBytes(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// lsblk reports rota as a bool or, on older util-linux, as "0"/"1".
func parseRota(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1"
	case float64:
		return t == 1
	}
	return true
}

// Collect lists whole disks with their partitions. Loop devices, ram disks
// and optical drives are skipped.
func Collect(ctx context.Context, run shell.Runner) ([]Disk, error) {
	res, err := run.Run(ctx, shell.Command("lsblk", "-J", "-b", "-o", "NAME,PATH,SIZE,ROTA,TYPE,MODEL,MOUNTPOINT,FSTYPE,PARTLABEL", "-e", "7,11"))
	if err := shell.Check(res, err); err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	return parseLsblk(res.Stdout)
}

func parseLsblk(data []byte) ([]Disk, error) {
	var tree lsblkJSON
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}
	out := []Disk{}
	for _, d := range tree.Blockdevices {
		if d.Type != "disk" || strings.HasPrefix(d.Name, "loop") || strings.HasPrefix(d.Name, "ram") {
			continue
		}
		disk := Disk{
			Name:      d.Name,
			Path:      d.Path,
			SizeBytes: ParseSizeToBytes(d.Size),
			Model:     strings.TrimSpace(d.Model),
			SSD:       !parseRota(d.Rota),
		}
		if disk.Path == "" {
			disk.Path = "/dev/" + d.Name
		}
		if disk.Model == "" {
			disk.Model = "Unknown"
		}
		for _, c := range d.Children {
			if c.Type != "part" {
				continue
			}
			p := Partition{Path: c.Path, SizeBytes: ParseSizeToBytes(c.Size), FSType: c.FSType, Label: c.PartLabel}
			if p.Path == "" {
				p.Path = "/dev/" + c.Name
			}
			if c.Mountpoint != nil {
				p.Mountpoint = *c.Mountpoint
			}
			disk.Partitions = append(disk.Partitions, p)
		}
		out = append(out, disk)
	}
	return out, nil
}

// FSType probes the filesystem signature of a block device.
func FSType(ctx context.Context, run shell.Runner, dev string) (string, error) {
	res, err := run.Run(ctx, shell.Command("blkid", "-o", "value", "-s", "TYPE", dev))
	if err != nil {
		return "", err
	}
	// blkid exits 2 when no signature is found
	if res.Code == 2 {
		return "", nil
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// HumanSize formats bytes with binary units, e.g. 476.9G.
func HumanSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(b)/float64(div), "KMGTPE"[exp])
}

// UUID returns the filesystem UUID of dev, or "" when blkid reports none.
func UUID(ctx context.Context, run shell.Runner, dev string) (string, error) {
	res, err := run.Run(ctx, shell.Command("blkid", "-s", "UUID", "-o", "value", dev))
	if err != nil {
		return "", err
	}
	if res.Code == 2 {
		return "", nil
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}
