// Package installer sequences the provisioning stages against one target,
// refuses out-of-order calls and unwinds mounts when a stage fails.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"archzfs/installer/internal/boot"
	"archzfs/installer/internal/config"
	"archzfs/installer/internal/disks"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/metrics"
	"archzfs/installer/internal/mount"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/system"
	"archzfs/installer/internal/zfs"
)

// LogPath is where the run log is copied inside the installed system.
const LogPath = "/var/log/zfs-installer.log"

type Partitioner interface {
	Partition(ctx context.Context, st *config.State) error
}

type PoolManager interface {
	CreatePool(ctx context.Context, st *config.State) error
	CreateDatasets(ctx context.Context, st *config.State) error
	Export(ctx context.Context, st *config.State) error
	SetupCache(ctx context.Context, st *config.State) error
	GenerateHostID(ctx context.Context, st *config.State) error
}

type MountManager interface {
	Mount(ctx context.Context, st *config.State) error
	Unmount(ctx context.Context) error
	RestoreMountpoints(ctx context.Context, st *config.State) error
}

type SystemProvisioner interface {
	InstallBase(ctx context.Context, st *config.State) error
	Configure(ctx context.Context, st *config.State) error
}

type BootConfigurer interface {
	ConfigureInitramfs(ctx context.Context, st *config.State) error
	InstallBootloader(ctx context.Context, st *config.State) error
}

// Options are the host-side knobs of a run.
type Options struct {
	// ByIDDir is where pools are imported from.
	ByIDDir string
	// CacheFile is the host pool cache file.
	CacheFile string
	// LogFile, when set, is copied into the target at finalize.
	LogFile string
	// JournalFile, when set, receives the journal after every stage.
	JournalFile string
	// ExportOnFailure exports the pool after cleanup unmounts it.
	ExportOnFailure bool
}

// Orchestrator owns the state for the length of one run. It is not safe
// for concurrent use; stages run strictly one after another.
type Orchestrator struct {
	State    *config.State
	Disk     Partitioner
	Pool     PoolManager
	Mounts   MountManager
	System   SystemProvisioner
	Boot     BootConfigurer
	Log      zerolog.Logger
	Observer Observer
	Metrics  *metrics.Metrics
	Journal  *Journal
	Opts     Options

	stage Stage
}

// New wires the real components to run. Commands are counted in m when it
// is non-nil.
func New(st *config.State, run shell.Runner, log zerolog.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if m != nil {
		run = m.Instrument(run)
	}
	pool := zfs.New(run, log.With().Str("component", "zfs").Logger())
	if opts.ByIDDir != "" {
		pool.ByIDDir = opts.ByIDDir
	}
	if opts.CacheFile != "" {
		pool.CacheFile = opts.CacheFile
	}
	o := &Orchestrator{
		State:    st,
		Disk:     &disks.Partitioner{Run: run, Log: log.With().Str("component", "disks").Logger()},
		Pool:     pool,
		Mounts:   mount.New(run, pool, log.With().Str("component", "mount").Logger()),
		Boot:     boot.New(run, log.With().Str("component", "boot").Logger()),
		Log:      log,
		Observer: nopObserver{},
		Metrics:  m,
		Journal:  NewJournal(st.Plan()),
		Opts:     opts,
	}
	sys := system.New(run, log.With().Str("component", "system").Logger())
	sys.Warn = o.warn
	o.System = sys
	return o
}

func (o *Orchestrator) Stage() Stage { return o.stage }

func (o *Orchestrator) observer() Observer {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

// warn records a non-fatal failure against the running stage.
func (o *Orchestrator) warn(step string, err error) {
	o.Log.Warn().Err(err).Str("step", step).Msg("warning")
	if o.Journal != nil {
		o.Journal.warn(fmt.Sprintf("%s: %v", step, err))
	}
	o.observer().Warn(step, err)
}

func (o *Orchestrator) saveJournal() {
	if o.Journal == nil || o.Opts.JournalFile == "" {
		return
	}
	if err := o.Journal.Save(o.Opts.JournalFile); err != nil {
		o.Log.Warn().Err(err).Str("file", o.Opts.JournalFile).Msg("journal not written")
	}
}

// step runs fn as transition t. The stage only advances when fn succeeds;
// a failure at or after pool creation runs cleanup first and leaves the run
// aborted.
func (o *Orchestrator) step(ctx context.Context, t transition, fn func(context.Context) error) error {
	if o.stage != t.from {
		return fmt.Errorf("%s at %s (needs %s): %w", t.name, o.stage, t.from, ErrOutOfOrder)
	}

	log := o.Log.With().Str("stage", t.name).Logger()
	start := time.Now()
	o.observer().StageStarted(t.name, t.index()+1, len(runOrder))
	if o.Journal != nil {
		o.Journal.begin(t.name)
	}
	log.Info().Msg("starting")

	err := ctx.Err()
	if err == nil {
		err = fn(ctx)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if o.Metrics != nil {
		o.Metrics.ObserveStage(t.name, start, err)
	}
	if o.Journal != nil {
		o.Journal.end(err)
	}

	if err != nil {
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("failed")
		o.observer().StageFailed(t.name, err)
		if t.needsCleanup() {
			o.cleanup(ctx, errors.Is(err, ErrCancelled))
		}
		o.stage = StageAborted
		if o.Journal != nil {
			o.Journal.finish(o.stage, err)
		}
		o.saveJournal()
		return fmt.Errorf("%s stage failed: %w", t.name, err)
	}

	o.stage = t.to
	log.Info().Dur("took", time.Since(start)).Str("now", o.stage.String()).Msg("done")
	o.observer().StageDone(t.name, time.Since(start))
	o.saveJournal()
	return nil
}

// cleanup unmounts whatever is mounted and, unless the run was cancelled,
// optionally exports the pool. Nothing here can fail the run further.
func (o *Orchestrator) cleanup(ctx context.Context, cancelled bool) {
	ctx = context.WithoutCancel(ctx)
	o.Log.Warn().Msg("cleaning up after failure")
	if err := o.Mounts.Unmount(ctx); err != nil {
		o.warn("cleanup unmount", err)
	}
	if cancelled || !o.Opts.ExportOnFailure || o.stage < StagePoolCreated {
		return
	}
	if err := o.Pool.Export(ctx, o.State); err != nil {
		o.warn("cleanup export", err)
	}
}

// SelectDisk checks every choice before anything touches the disk.
func (o *Orchestrator) SelectDisk(ctx context.Context) error {
	return o.step(ctx, stepSelectDisk, func(context.Context) error {
		return o.State.Plan().Validate()
	})
}

func (o *Orchestrator) Partition(ctx context.Context) error {
	return o.step(ctx, stepPartition, func(ctx context.Context) error {
		return o.Disk.Partition(ctx, o.State)
	})
}

// ConfigurePool checks the pool settings against the real partitions.
func (o *Orchestrator) ConfigurePool(ctx context.Context) error {
	return o.step(ctx, stepConfigurePool, func(context.Context) error {
		if err := o.State.Pool.Validate(); err != nil {
			return err
		}
		return config.ValidateDevices(o.State.Pool.Topology, o.State.BackingDevices())
	})
}

func (o *Orchestrator) CreatePool(ctx context.Context) error {
	return o.step(ctx, stepCreatePool, func(ctx context.Context) error {
		return o.Pool.CreatePool(ctx, o.State)
	})
}

func (o *Orchestrator) CreateDatasets(ctx context.Context) error {
	return o.step(ctx, stepCreateDatasets, func(ctx context.Context) error {
		return o.Pool.CreateDatasets(ctx, o.State)
	})
}

func (o *Orchestrator) ConfigureBoot(ctx context.Context) error {
	return o.step(ctx, stepConfigureBoot, func(context.Context) error {
		if err := o.State.Boot.Validate(); err != nil {
			return err
		}
		if o.State.Boot.Bootloader == config.BootloaderSystemdBoot && o.State.Partitions.Boot != "" {
			return &config.ValidationError{Field: "disk.separateBoot", Msg: "systemd-boot cannot use a separate boot partition"}
		}
		return nil
	})
}

func (o *Orchestrator) Mount(ctx context.Context) error {
	return o.step(ctx, stepMount, func(ctx context.Context) error {
		return o.Mounts.Mount(ctx, o.State)
	})
}

func (o *Orchestrator) InstallBase(ctx context.Context) error {
	return o.step(ctx, stepInstallBase, func(ctx context.Context) error {
		return o.System.InstallBase(ctx, o.State)
	})
}

func (o *Orchestrator) ConfigureSystem(ctx context.Context) error {
	return o.step(ctx, stepConfigureSystem, func(ctx context.Context) error {
		return o.System.Configure(ctx, o.State)
	})
}

// InstallBootloader rebuilds the initramfs with zfs support, then installs
// the loader.
func (o *Orchestrator) InstallBootloader(ctx context.Context) error {
	return o.step(ctx, stepInstallBootloader, func(ctx context.Context) error {
		if err := o.Boot.ConfigureInitramfs(ctx, o.State); err != nil {
			return fmt.Errorf("initramfs: %w", err)
		}
		return o.Boot.InstallBootloader(ctx, o.State)
	})
}

// Finalize hands the pool over to the installed system: cache file and
// host id, log and journal, unmount, in-system mountpoints, export. Every
// step warns rather than fails; the target is already bootable.
func (o *Orchestrator) Finalize(ctx context.Context) error {
	return o.step(ctx, stepFinalize, func(ctx context.Context) error {
		st := o.State
		if err := o.Pool.SetupCache(ctx, st); err != nil {
			o.warn("pool cache", err)
		}
		if err := o.Pool.GenerateHostID(ctx, st); err != nil {
			o.warn("hostid", err)
		}
		o.copyLog()
		// The target copy is written while the datasets are still mounted,
		// so it records this step as already done.
		if o.Journal != nil {
			if err := o.Journal.closed(StageFinalized).Save(st.Target(JournalPath)); err != nil {
				o.warn("journal", err)
			}
		}

		if err := o.Mounts.Unmount(ctx); err != nil {
			// Setting a mountpoint on a dataset that is still mounted
			// remounts it there, possibly over the live system.
			o.warn("unmount", err)
			o.warn("mountpoints", errors.New("left pointing under the mount root; fix with zfs set mountpoint before rebooting"))
		} else if err := o.Mounts.RestoreMountpoints(ctx, st); err != nil {
			o.warn("mountpoints", err)
		}
		if err := o.Pool.Export(ctx, st); err != nil {
			o.warn("export", err)
		}

		st.InstallationComplete = true
		if o.Metrics != nil {
			o.Metrics.SetCompleted(true)
		}
		if o.Journal != nil {
			o.Journal.finish(StageFinalized, nil)
		}
		return nil
	})
}

func (o *Orchestrator) copyLog() {
	if o.Opts.LogFile == "" {
		return
	}
	data, err := os.ReadFile(o.Opts.LogFile)
	if err != nil {
		o.warn("copy log", err)
		return
	}
	if err := fsatomic.WriteFile(o.State.Target(LogPath), data, 0o600); err != nil {
		o.warn("copy log", err)
	}
}

// Run calls every stage in order and stops at the first failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	stages := []func(context.Context) error{
		o.SelectDisk,
		o.Partition,
		o.ConfigurePool,
		o.CreatePool,
		o.CreateDatasets,
		o.ConfigureBoot,
		o.Mount,
		o.InstallBase,
		o.ConfigureSystem,
		o.InstallBootloader,
		o.Finalize,
	}
	for _, fn := range stages {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	o.Log.Info().Str("pool", o.State.Pool.Name).Msg("installation complete")
	return nil
}

// Teardown is the crash path for a process exiting before Finalize: it
// unmounts whatever is still mounted. After a completed install it does
// nothing.
func (o *Orchestrator) Teardown(ctx context.Context) {
	if o.State.InstallationComplete || o.stage < StagePoolCreated {
		return
	}
	if err := o.Mounts.Unmount(context.WithoutCancel(ctx)); err != nil {
		o.warn("teardown unmount", err)
	}
}
