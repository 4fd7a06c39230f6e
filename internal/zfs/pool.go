package zfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/shell"
)

var ErrPoolExists = errors.New("pool already exists")

const (
	DefaultByIDDir    = "/dev/disk/by-id"
	DefaultCacheFile  = "/etc/zfs/zpool.cache"
	DefaultHostIDFile = "/etc/hostid"
)

// Manager owns the pool lifecycle. Host paths are fields so tests can point
// them at a temp dir.
type Manager struct {
	Run        shell.Runner
	Log        zerolog.Logger
	ByIDDir    string
	CacheFile  string
	HostIDFile string
}

func New(run shell.Runner, log zerolog.Logger) *Manager {
	return &Manager{
		Run:        run,
		Log:        log,
		ByIDDir:    DefaultByIDDir,
		CacheFile:  DefaultCacheFile,
		HostIDFile: DefaultHostIDFile,
	}
}

func (m *Manager) run(ctx context.Context, c shell.Cmd) error {
	return shell.Check(m.Run.Run(ctx, c))
}

func secret(spec config.PoolSpec) string {
	if !spec.Encryption {
		return ""
	}
	return spec.Passphrase + "\n"
}

// Exists reports whether a pool with the given name is currently imported.
func (m *Manager) Exists(ctx context.Context, pool string) (bool, error) {
	res, err := m.Run.Run(ctx, shell.Command("zpool", "list", "-H", "-o", "name", pool))
	if err != nil {
		return false, err
	}
	return res.Code == 0 && strings.TrimSpace(string(res.Stdout)) == pool, nil
}

// CreatePool validates the pool settings and device count, then creates the pool on
// the state's backing devices. Nothing runs when validation fails.
func (m *Manager) CreatePool(ctx context.Context, st *config.State) error {
	spec := st.Pool
	if err := spec.Validate(); err != nil {
		return err
	}
	devices := st.BackingDevices()
	if err := config.ValidateDevices(spec.Topology, devices); err != nil {
		return err
	}

	exists, err := m.Exists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("probe pool %s: %w", spec.Name, err)
	}
	if exists {
		if !spec.Recreate {
			return fmt.Errorf("%s: %w (set pool.recreate to destroy it)", spec.Name, ErrPoolExists)
		}
		m.Log.Warn().Str("pool", spec.Name).Msg("destroying existing pool")
		if err := m.run(ctx, shell.Command("zpool", "destroy", "-f", spec.Name)); err != nil {
			return fmt.Errorf("destroy pool %s: %w", spec.Name, err)
		}
	}

	m.Log.Info().
		Str("pool", spec.Name).
		Str("topology", string(spec.Topology)).
		Strs("devices", devices).
		Int("ashift", spec.Ashift).
		Bool("encryption", spec.Encryption).
		Msg("creating pool")
	c := shell.Cmd{Args: CreatePoolArgs(spec, devices), Secret: secret(spec)}
	if err := m.run(ctx, c); err != nil {
		return fmt.Errorf("create pool %s: %w", spec.Name, err)
	}
	return nil
}

// CreateDatasets creates the dataset tree in order, points bootfs at the root
// dataset as soon as it exists, and formats the optional swap volume.
func (m *Manager) CreateDatasets(ctx context.Context, st *config.State) error {
	st.Datasets = config.Datasets(st.Pool.Name, st.Pool.SwapGiB > 0)
	for _, ds := range Tree(st.Datasets) {
		m.Log.Debug().Str("dataset", ds.Name).Msg("creating dataset")
		if err := m.run(ctx, shell.Cmd{Args: CreateDatasetArgs(ds.Name, ds.Props...)}); err != nil {
			return fmt.Errorf("create dataset %s: %w", ds.Name, err)
		}
		if ds.Name == st.Datasets.Root {
			if err := m.run(ctx, shell.Command("zpool", "set", "bootfs="+ds.Name, st.Pool.Name)); err != nil {
				return fmt.Errorf("set bootfs: %w", err)
			}
		}
	}
	if st.Datasets.Swap == "" {
		return nil
	}
	size := st.Pool.SwapBytes()
	m.Log.Info().Str("volume", st.Datasets.Swap).Int64("bytes", size).Msg("creating swap volume")
	if err := m.run(ctx, shell.Cmd{Args: SwapVolumeArgs(st.Datasets.Swap, size)}); err != nil {
		return fmt.Errorf("create swap volume: %w", err)
	}
	if err := m.run(ctx, shell.Command("udevadm", "settle")); err != nil {
		m.Log.Warn().Err(err).Msg("udevadm settle failed, continuing")
	}
	if err := m.run(ctx, shell.Command("mkswap", "-f", st.SwapDevice())); err != nil {
		return fmt.Errorf("format swap volume: %w", err)
	}
	return nil
}

// Import imports the pool from the by-id directory, piping the passphrase
// when the pool is encrypted. Callers treat the error as a warning.
func (m *Manager) Import(ctx context.Context, st *config.State, mount bool) error {
	c := shell.Cmd{
		Args:   ImportArgs(st.Pool.Name, m.ByIDDir, mount, st.Pool.Encryption),
		Secret: secret(st.Pool),
	}
	if err := m.run(ctx, c); err != nil {
		return fmt.Errorf("import pool %s: %w", st.Pool.Name, err)
	}
	return nil
}

func (m *Manager) Export(ctx context.Context, st *config.State) error {
	if err := m.run(ctx, shell.Cmd{Args: ExportArgs(st.Pool.Name)}); err != nil {
		return fmt.Errorf("export pool %s: %w", st.Pool.Name, err)
	}
	return nil
}

// SetupCache records the pool in the host cache file and copies it into the
// target so the installed system can import by cache at boot.
func (m *Manager) SetupCache(ctx context.Context, st *config.State) error {
	if err := m.run(ctx, shell.Command("zpool", "set", "cachefile="+m.CacheFile, st.Pool.Name)); err != nil {
		return fmt.Errorf("set cachefile: %w", err)
	}
	return copyInto(m.CacheFile, st.Target(DefaultCacheFile), 0o644)
}

// GenerateHostID creates a host id when the live system has none and copies
// it into the target; pools are tied to the host id that imported them.
func (m *Manager) GenerateHostID(ctx context.Context, st *config.State) error {
	if _, err := os.Stat(m.HostIDFile); errors.Is(err, os.ErrNotExist) {
		m.Log.Info().Msg("generating hostid")
		if err := m.run(ctx, shell.Command("zgenhostid")); err != nil {
			return fmt.Errorf("generate hostid: %w", err)
		}
	}
	return copyInto(m.HostIDFile, st.Target(DefaultHostIDFile), 0o644)
}

func copyInto(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := fsatomic.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("copy %s into target: %w", src, err)
	}
	return nil
}
