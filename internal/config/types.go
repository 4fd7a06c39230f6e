package config

import "path"

type Topology string

const (
	TopologySingle Topology = "single"
	TopologyMirror Topology = "mirror"
	TopologyRaidz1 Topology = "raidz1"
	TopologyRaidz2 Topology = "raidz2"
)

// MinDevices is the number of backing partitions a topology needs.
func (t Topology) MinDevices() int {
	switch t {
	case TopologyMirror:
		return 2
	case TopologyRaidz1:
		return 3
	case TopologyRaidz2:
		return 4
	default:
		return 1
	}
}

type Compression string

const (
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
	CompressionOff  Compression = "off"
)

type Bootloader string

const (
	BootloaderGrub        Bootloader = "grub"
	BootloaderSystemdBoot Bootloader = "systemd-boot"
)

type Scheme string

const (
	SchemeFull     Scheme = "full"
	SchemeExisting Scheme = "existing"
)

var (
	Ashifts     = []int{9, 12, 13}
	Kernels     = []string{"linux", "linux-lts", "linux-zen"}
	Networks    = []string{"networkmanager", "systemd-networkd", "none"}
	Shells      = []string{"/bin/bash", "/bin/zsh", "/bin/fish"}
	Topologies  = []Topology{TopologySingle, TopologyMirror, TopologyRaidz1, TopologyRaidz2}
	Compressors = []Compression{CompressionLZ4, CompressionZstd, CompressionOff}
)

// DiskSpec selects the target disk and how it is partitioned. The partition
// fields are only read for the existing scheme.
type DiskSpec struct {
	Path         string `yaml:"path"`
	Scheme       Scheme `yaml:"scheme"`
	SeparateBoot bool   `yaml:"separateBoot"`
	EFIPartition string `yaml:"efiPartition,omitempty"`
	BootPart     string `yaml:"bootPartition,omitempty"`
	ZFSPartition string `yaml:"zfsPartition,omitempty"`
	FormatEFI    bool   `yaml:"formatEfi,omitempty"`
	FormatBoot   bool   `yaml:"formatBoot,omitempty"`
}

// PoolSpec is the pool to create. Passphrase is held in memory only; it is
// stripped before a plan is written anywhere.
type PoolSpec struct {
	Name              string      `yaml:"name"`
	Topology          Topology    `yaml:"topology"`
	Compression       Compression `yaml:"compression"`
	Dedup             bool        `yaml:"dedup"`
	Encryption        bool        `yaml:"encryption"`
	Passphrase        string      `yaml:"passphrase,omitempty"`
	PassphraseConfirm string      `yaml:"passphraseConfirm,omitempty"`
	Ashift            int         `yaml:"ashift"`
	Autotrim          bool        `yaml:"autotrim"`
	SwapGiB           int         `yaml:"swapGiB"`
	ExtraDevices      []string    `yaml:"extraDevices,omitempty"`
	Recreate          bool        `yaml:"recreate,omitempty"`
}

// SwapBytes converts the swap size to bytes.
func (p PoolSpec) SwapBytes() int64 {
	return int64(p.SwapGiB) * 1024 * 1024 * 1024
}

type BootSpec struct {
	Bootloader Bootloader `yaml:"bootloader"`
	Kernel     string     `yaml:"kernel"`
	DualBoot   bool       `yaml:"dualBoot"`
}

type MirrorSpec struct {
	Enabled bool   `yaml:"enabled"`
	Country string `yaml:"country,omitempty"`
}

type UserSpec struct {
	Name            string   `yaml:"name"`
	Password        string   `yaml:"password,omitempty"`
	PasswordConfirm string   `yaml:"passwordConfirm,omitempty"`
	Shell           string   `yaml:"shell"`
	Groups          []string `yaml:"groups"`
}

type SystemSpec struct {
	Hostname            string     `yaml:"hostname"`
	Locale              string     `yaml:"locale"`
	Keymap              string     `yaml:"keymap"`
	Timezone            string     `yaml:"timezone"`
	Network             string     `yaml:"network"`
	RootPassword        string     `yaml:"rootPassword,omitempty"`
	RootPasswordConfirm string     `yaml:"rootPasswordConfirm,omitempty"`
	Users               []UserSpec `yaml:"users,omitempty"`
	Packages            []string   `yaml:"packages,omitempty"`
	Services            []string   `yaml:"services,omitempty"`
	Mirrors             MirrorSpec `yaml:"mirrors"`
}

// Plan is the side-effect free description of an installation.
type Plan struct {
	Disk   DiskSpec   `yaml:"disk"`
	Pool   PoolSpec   `yaml:"pool"`
	Boot   BootSpec   `yaml:"boot"`
	System SystemSpec `yaml:"system"`
}

func DefaultPlan() Plan {
	return Plan{
		Disk: DiskSpec{Scheme: SchemeFull},
		Pool: PoolSpec{
			Name:        "rpool",
			Topology:    TopologySingle,
			Compression: CompressionLZ4,
			Ashift:      12,
			Autotrim:    true,
		},
		Boot: BootSpec{Bootloader: BootloaderGrub, Kernel: "linux-lts"},
		System: SystemSpec{
			Hostname: "archzfs",
			Locale:   "en_US.UTF-8",
			Keymap:   "us",
			Timezone: "UTC",
			Network:  "networkmanager",
		},
	}
}

// Redacted returns a copy with every secret removed.
func (p Plan) Redacted() Plan {
	out := p
	out.Pool.Passphrase = ""
	out.Pool.PassphraseConfirm = ""
	out.System.RootPassword = ""
	out.System.RootPasswordConfirm = ""
	out.System.Users = make([]UserSpec, len(p.System.Users))
	for i, u := range p.System.Users {
		u.Password = ""
		u.PasswordConfirm = ""
		u.Groups = append([]string(nil), u.Groups...)
		out.System.Users[i] = u
	}
	return out
}

type PartitionMap struct {
	EFI  string
	Boot string
	ZFS  string
}

// DatasetMap holds full dataset names. Swap is empty when no swap volume
// was requested.
type DatasetMap struct {
	Container string
	Root      string
	Home      string
	Var       string
	VarLog    string
	VarCache  string
	Swap      string
}

// Ordered returns the creation order: container, root, home, var, var/log,
// var/cache, swap.
func (d DatasetMap) Ordered() []string {
	out := []string{d.Container, d.Root, d.Home, d.Var, d.VarLog, d.VarCache}
	if d.Swap != "" {
		out = append(out, d.Swap)
	}
	return out
}

func Datasets(pool string, swap bool) DatasetMap {
	d := DatasetMap{
		Container: pool + "/ROOT",
		Root:      pool + "/ROOT/arch",
		Home:      pool + "/home",
		Var:       pool + "/var",
		VarLog:    pool + "/var/log",
		VarCache:  pool + "/var/cache",
	}
	if swap {
		d.Swap = pool + "/swap"
	}
	return d
}

// State is the single mutable record threaded through every stage.
type State struct {
	Disk       DiskSpec
	Pool       PoolSpec
	Boot       BootSpec
	System     SystemSpec
	Partitions PartitionMap
	Datasets   DatasetMap
	MountRoot  string

	InstallationComplete bool
}

func NewState(p Plan, mountRoot string) *State {
	if mountRoot == "" {
		mountRoot = "/mnt"
	}
	return &State{
		Disk:      p.Disk,
		Pool:      p.Pool,
		Boot:      p.Boot,
		System:    p.System,
		MountRoot: mountRoot,
	}
}

// BackingDevices lists the pool's vdev members: the zfs partition first, then
// any extra devices in the order supplied.
func (s *State) BackingDevices() []string {
	var out []string
	if s.Partitions.ZFS != "" {
		out = append(out, s.Partitions.ZFS)
	}
	return append(out, s.Pool.ExtraDevices...)
}

// Target joins p under the mount root.
func (s *State) Target(p ...string) string {
	return path.Join(append([]string{s.MountRoot}, p...)...)
}

// ESPMountpoint is where the EFI system partition lives inside the target.
// systemd-boot reads the kernel from the ESP, so it takes /boot outright.
func (s *State) ESPMountpoint() string {
	if s.Boot.Bootloader == BootloaderSystemdBoot {
		return "/boot"
	}
	return "/boot/efi"
}

// SwapDevice is the block device path of the swap volume.
func (s *State) SwapDevice() string {
	if s.Datasets.Swap == "" {
		return ""
	}
	return "/dev/zvol/" + s.Datasets.Swap
}

// Plan returns the choices the state was built from, including secrets.
func (s *State) Plan() Plan {
	return Plan{Disk: s.Disk, Pool: s.Pool, Boot: s.Boot, System: s.System}
}
