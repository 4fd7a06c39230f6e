// Package zfs drives zpool and zfs for the installer: pool creation, the
// dataset tree, the swap volume and pool import/export.
package zfs

import (
	"strconv"

	"archzfs/installer/internal/config"
)

// Property is a single -o/-O key=value pair. Order is kept as given so the
// generated argv is stable.
type Property struct {
	Key   string
	Value string
}

func (p Property) String() string { return p.Key + "=" + p.Value }

// PoolProperties returns the pool-level (-o) properties for spec.
func PoolProperties(spec config.PoolSpec) []Property {
	props := []Property{{"ashift", strconv.Itoa(spec.Ashift)}}
	if spec.Autotrim {
		props = append(props, Property{"autotrim", "on"})
	}
	return props
}

// FilesystemProperties returns the root filesystem (-O) properties for spec.
// The pool root is never mounted; mountpoints are assigned per dataset.
func FilesystemProperties(spec config.PoolSpec) []Property {
	props := []Property{
		{"compression", string(spec.Compression)},
		{"normalization", "formD"},
		{"acltype", "posixacl"},
		{"xattr", "sa"},
		{"relatime", "on"},
		{"canmount", "off"},
	}
	if spec.Dedup {
		props = append(props, Property{"dedup", "on"})
	}
	if spec.Encryption {
		props = append(props,
			Property{"encryption", "aes-256-gcm"},
			Property{"keylocation", "prompt"},
			Property{"keyformat", "passphrase"},
		)
	}
	return append(props, Property{"mountpoint", "none"})
}

// VdevArgs lays out the backing devices for a topology: single takes the
// devices bare, the others are prefixed by their keyword.
func VdevArgs(t config.Topology, devices []string) []string {
	out := make([]string, 0, len(devices)+1)
	if t != config.TopologySingle {
		out = append(out, string(t))
	}
	return append(out, devices...)
}

// CreatePoolArgs builds `zpool create -f ...`. The passphrase is never part
// of the result; it travels on stdin.
func CreatePoolArgs(spec config.PoolSpec, devices []string) []string {
	args := []string{"zpool", "create", "-f"}
	for _, p := range PoolProperties(spec) {
		args = append(args, "-o", p.String())
	}
	for _, p := range FilesystemProperties(spec) {
		args = append(args, "-O", p.String())
	}
	args = append(args, spec.Name)
	return append(args, VdevArgs(spec.Topology, devices)...)
}

// CreateDatasetArgs builds `zfs create -p -u` with the given properties.
// Datasets are left unmounted; the mount manager places them under the
// mount root.
func CreateDatasetArgs(name string, props ...Property) []string {
	args := []string{"zfs", "create", "-p", "-u"}
	for _, p := range props {
		args = append(args, "-o", p.String())
	}
	return append(args, name)
}

// SwapVolumeArgs builds the zvol used as swap. Small blocks, synchronous
// writes and metadata-only caching keep swap from deadlocking on ARC pressure.
func SwapVolumeArgs(name string, sizeBytes int64) []string {
	return []string{
		"zfs", "create",
		"-V", strconv.FormatInt(sizeBytes, 10),
		"-b", "4K",
		"-o", "compression=zle",
		"-o", "logbias=throughput",
		"-o", "sync=always",
		"-o", "primarycache=metadata",
		"-o", "com.sun:auto-snapshot=false",
		name,
	}
}

// ImportArgs builds `zpool import`. mount=false adds -N; loadKeys adds -l so
// an encrypted pool reads its passphrase from stdin.
func ImportArgs(pool, byIDDir string, mount, loadKeys bool) []string {
	args := []string{"zpool", "import"}
	if byIDDir != "" {
		args = append(args, "-d", byIDDir)
	}
	args = append(args, "-f")
	if !mount {
		args = append(args, "-N")
	}
	if loadKeys {
		args = append(args, "-l")
	}
	return append(args, pool)
}

func ExportArgs(pool string) []string {
	return []string{"zpool", "export", pool}
}

// DatasetSpec is one entry of the dataset tree.
type DatasetSpec struct {
	Name  string
	Props []Property
}

// Tree returns the dataset tree in creation order, parents before children.
// The swap volume is not included; it is created by SwapVolumeArgs.
func Tree(d config.DatasetMap) []DatasetSpec {
	snap := func(on bool) Property {
		if on {
			return Property{"com.sun:auto-snapshot", "true"}
		}
		return Property{"com.sun:auto-snapshot", "false"}
	}
	return []DatasetSpec{
		{d.Container, []Property{{"canmount", "off"}, {"mountpoint", "none"}}},
		{d.Root, []Property{{"canmount", "noauto"}, {"mountpoint", "/"}, snap(true)}},
		{d.Home, []Property{{"mountpoint", "/home"}, snap(true)}},
		{d.Var, []Property{{"mountpoint", "/var"}, snap(false)}},
		{d.VarLog, []Property{{"mountpoint", "/var/log"}}},
		{d.VarCache, []Property{{"mountpoint", "/var/cache"}}},
	}
}

// Mountpoint returns the dataset's in-system mountpoint, or "" when it is
// never mounted.
func (ds DatasetSpec) Mountpoint() string {
	for _, p := range ds.Props {
		if p.Key == "mountpoint" && p.Value != "none" {
			return p.Value
		}
	}
	return ""
}
