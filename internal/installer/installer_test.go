package installer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
	"archzfs/installer/internal/metrics"
	"archzfs/installer/internal/shell"
	"archzfs/installer/internal/system"
	"archzfs/installer/internal/zfs"
)

type fixture struct {
	o    *Orchestrator
	st   *config.State
	rec  *shell.Recorder
	dir  string
	opts Options
}

func newFixture(t *testing.T, rec *shell.Recorder, edit func(*config.Plan)) *fixture {
	t.Helper()
	p := config.DefaultPlan()
	p.Disk.Path = "/dev/sda"
	p.Pool.SwapGiB = 2
	p.System.RootPassword = "rootpw"
	p.System.RootPasswordConfirm = "rootpw"
	if edit != nil {
		edit(&p)
	}

	dir := t.TempDir()
	opts := Options{
		CacheFile:       filepath.Join(dir, "zpool.cache"),
		LogFile:         filepath.Join(dir, "installer.log"),
		JournalFile:     filepath.Join(dir, "journal.json"),
		ExportOnFailure: true,
	}
	require.NoError(t, os.WriteFile(opts.CacheFile, []byte("cache"), 0o644))
	require.NoError(t, os.WriteFile(opts.LogFile, []byte("log line\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hostid"), []byte{1, 2, 3, 4}, 0o644))

	st := config.NewState(p, filepath.Join(dir, "mnt"))
	o := New(st, rec, zerolog.Nop(), metrics.New(), opts)
	o.Pool.(*zfs.Manager).HostIDFile = filepath.Join(dir, "hostid")
	o.System.(*system.Provisioner).MirrorList = filepath.Join(dir, "mirrorlist")
	return &fixture{o: o, st: st, rec: rec, dir: dir, opts: opts}
}

func (f *fixture) journal(t *testing.T) Journal {
	t.Helper()
	var j Journal
	ok, err := fsatomic.LoadJSON(f.opts.JournalFile, &j)
	require.NoError(t, err)
	require.True(t, ok)
	return j
}

// unmountLines are every teardown command in the order they ran.
func unmountLines(rec *shell.Recorder) []string {
	var out []string
	for _, l := range rec.Lines() {
		if strings.HasPrefix(l, "umount ") || strings.HasPrefix(l, "zfs unmount ") {
			out = append(out, l)
		}
	}
	return out
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, []string{
		"select_disk", "partition", "configure_pool", "create_pool", "create_datasets",
		"configure_boot", "mount", "install_base", "configure_system", "install_bootloader", "finalize",
	}, StageNames())
	assert.Equal(t, "datasets-created", StageDatasetsCreated.String())
	assert.True(t, StageAborted.Terminal())
	assert.False(t, StageMounted.Terminal())
}

func TestOutOfOrderRejectedBeforeAnyCommand(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, nil)
	ctx := context.Background()

	err := f.o.Mount(ctx)
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Empty(t, rec.Cmds)
	assert.Equal(t, StageInit, f.o.Stage())

	require.NoError(t, f.o.SelectDisk(ctx))
	require.ErrorIs(t, f.o.SelectDisk(ctx), ErrOutOfOrder)
	require.ErrorIs(t, f.o.CreatePool(ctx), ErrOutOfOrder)
	assert.Empty(t, rec.Cmds)
	assert.Equal(t, StageDiskSelected, f.o.Stage())
}

func TestValidationFailureRunsNothing(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, func(p *config.Plan) {
		p.Pool.Encryption = true
		p.Pool.Passphrase = "correct horse"
		p.Pool.PassphraseConfirm = "correct h0rse"
	})

	err := f.o.Run(context.Background())
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "select_disk stage failed")
	assert.Empty(t, rec.Cmds)
	assert.Equal(t, StageAborted, f.o.Stage())
}

// A dataset failure unwinds without ever mounting anything.
func TestDatasetFailureCleansUp(t *testing.T) {
	rec := shell.NewRecorder().Fail("zfs", "create", "-p", "-u", "-o", "canmount=noauto")
	f := newFixture(t, rec, nil)

	err := f.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_datasets stage failed")
	var ce *shell.CommandError
	require.ErrorAs(t, err, &ce)

	assert.Equal(t, StageAborted, f.o.Stage())
	assert.False(t, f.st.InstallationComplete)
	assert.Empty(t, rec.Matching("zfs", "mount"))
	assert.Empty(t, rec.Matching("mount"))
	assert.Empty(t, unmountLines(rec))
	assert.Empty(t, rec.Matching("pacstrap"))
	assert.Equal(t, []string{"zpool export rpool"}, rec.Matching("zpool", "export"))

	j := f.journal(t)
	assert.False(t, j.OK)
	assert.Equal(t, "aborted", j.Stage)
	last := j.Steps[len(j.Steps)-1]
	assert.Equal(t, "create_datasets", last.Name)
	assert.Equal(t, StepError, last.Status)
}

func TestPoolCreateFailureDoesNotExport(t *testing.T) {
	rec := shell.NewRecorder().Fail("zpool", "create")
	f := newFixture(t, rec, nil)

	err := f.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_pool stage failed")
	assert.Empty(t, rec.Matching("zpool", "export"))
}

func TestPartitionFailureNeedsNoCleanup(t *testing.T) {
	rec := shell.NewRecorder().Fail("sgdisk", "--zap-all")
	f := newFixture(t, rec, nil)

	require.Error(t, f.o.Run(context.Background()))
	assert.Equal(t, []string{"sgdisk --zap-all /dev/sda"}, rec.Lines())
}

func TestInstallFailureUnmountsInReverse(t *testing.T) {
	rec := shell.NewRecorder().Fail("pacstrap")
	f := newFixture(t, rec, nil)
	root := f.st.MountRoot

	err := f.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install_base stage failed")
	assert.Equal(t, []string{
		"umount " + root + "/boot/efi",
		"zfs unmount rpool/var/cache",
		"zfs unmount rpool/var/log",
		"zfs unmount rpool/var",
		"zfs unmount rpool/home",
		"zfs unmount rpool/ROOT/arch",
	}, unmountLines(rec))
	assert.Equal(t, []string{"zpool export rpool"}, rec.Matching("zpool", "export"))
}

func TestCancelledStageSkipsExport(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for _, fn := range []func(context.Context) error{
		f.o.SelectDisk, f.o.Partition, f.o.ConfigurePool, f.o.CreatePool,
		f.o.CreateDatasets, f.o.ConfigureBoot, f.o.Mount,
	} {
		require.NoError(t, fn(ctx))
	}
	cancel()

	err := f.o.InstallBase(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, unmountLines(rec), 6)
	assert.Empty(t, rec.Matching("zpool", "export"))
	assert.Equal(t, StageAborted, f.o.Stage())
}

func TestSuccessfulRunFinalizes(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, nil)
	var out bytes.Buffer
	f.o.Observer = NewConsoleObserver(&out)

	require.NoError(t, f.o.Run(context.Background()))
	assert.True(t, f.st.InstallationComplete)
	assert.Equal(t, StageFinalized, f.o.Stage())

	lines := rec.Lines()
	assert.Len(t, unmountLines(rec), 6)
	assert.Equal(t, "zpool export rpool", lines[len(lines)-1])
	restore := rec.Matching("zfs", "set", "mountpoint=/", "rpool/ROOT/arch")
	assert.Len(t, restore, 1)

	b, err := os.ReadFile(f.st.Target(zfs.DefaultCacheFile))
	require.NoError(t, err)
	assert.Equal(t, "cache", string(b))
	b, err = os.ReadFile(f.st.Target(LogPath))
	require.NoError(t, err)
	assert.Equal(t, "log line\n", string(b))

	var inTarget Journal
	ok, err := fsatomic.LoadJSON(f.st.Target(JournalPath), &inTarget)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, inTarget.ID)
	assert.Empty(t, inTarget.Plan.System.RootPassword)
	assert.True(t, inTarget.OK)
	assert.Equal(t, StageFinalized.String(), inTarget.Stage)
	assert.NotNil(t, inTarget.FinishedAt)
	require.Len(t, inTarget.Steps, len(StageNames()))
	for _, s := range inTarget.Steps {
		assert.Equal(t, StepOK, s.Status, s.Name)
		assert.NotNil(t, s.FinishedAt, s.Name)
	}

	j := f.journal(t)
	assert.True(t, j.OK)
	assert.Equal(t, inTarget.ID, j.ID)
	assert.Equal(t, StageNames(), func() []string {
		var names []string
		for _, s := range j.Steps {
			names = append(names, s.Name)
		}
		return names
	}())

	assert.Contains(t, out.String(), "✓ finalize")
	require.NoError(t, f.o.Metrics.WriteTextfile(filepath.Join(f.dir, "m.prom")))
	prom, err := os.ReadFile(filepath.Join(f.dir, "m.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "zfs_installer_completed 1")

	require.ErrorIs(t, f.o.Finalize(context.Background()), ErrOutOfOrder)
}

func TestFinalizeSkipsRestoreWhenUnmountFails(t *testing.T) {
	rec := shell.NewRecorder().Fail("zfs", "unmount", "rpool/home")
	f := newFixture(t, rec, nil)
	obs := &recordingObserver{}
	f.o.Observer = obs

	require.NoError(t, f.o.Run(context.Background()))
	assert.Contains(t, obs.warnings, "unmount")
	assert.Contains(t, obs.warnings, "mountpoints")
	assert.Empty(t, rec.Matching("zfs", "set", "mountpoint=/", "rpool/ROOT/arch"))
	assert.True(t, f.st.InstallationComplete)

	j := f.journal(t)
	final := j.Steps[len(j.Steps)-1]
	assert.Equal(t, "finalize", final.Name)
	assert.NotEmpty(t, final.Warnings)
}

func TestSystemWarningsReachJournal(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, func(p *config.Plan) { p.System.Services = []string{"sshd"} })
	rec.Fail("arch-chroot", f.st.MountRoot, "systemctl", "enable", "sshd")

	require.NoError(t, f.o.Run(context.Background()))
	j := f.journal(t)
	for _, s := range j.Steps {
		if s.Name == "configure_system" {
			require.Len(t, s.Warnings, 1)
			assert.True(t, strings.HasPrefix(s.Warnings[0], "enable sshd: "))
			return
		}
	}
	t.Fatal("configure_system step missing")
}

func TestTeardown(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, nil)
	ctx := context.Background()
	for _, fn := range []func(context.Context) error{
		f.o.SelectDisk, f.o.Partition, f.o.ConfigurePool, f.o.CreatePool,
		f.o.CreateDatasets, f.o.ConfigureBoot, f.o.Mount,
	} {
		require.NoError(t, fn(ctx))
	}
	f.o.Teardown(ctx)
	assert.Len(t, unmountLines(rec), 6)

	rec.Reset()
	f.o.Teardown(ctx)
	assert.Empty(t, rec.Cmds)
}

func TestTeardownAfterCompletionIsNoop(t *testing.T) {
	rec := shell.NewRecorder()
	f := newFixture(t, rec, nil)
	require.NoError(t, f.o.Run(context.Background()))
	rec.Reset()
	f.o.Teardown(context.Background())
	assert.Empty(t, rec.Cmds)
}

func TestConfigureBootRejectsSystemdBootWithBootPartition(t *testing.T) {
	f := newFixture(t, shell.NewRecorder(), func(p *config.Plan) { p.Boot.Bootloader = config.BootloaderSystemdBoot })
	ctx := context.Background()
	require.NoError(t, f.o.SelectDisk(ctx))
	require.NoError(t, f.o.Partition(ctx))
	require.NoError(t, f.o.ConfigurePool(ctx))
	require.NoError(t, f.o.CreatePool(ctx))
	require.NoError(t, f.o.CreateDatasets(ctx))
	f.st.Partitions.Boot = "/dev/sda2"

	err := f.o.ConfigureBoot(ctx)
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "disk.separateBoot", ve.Field)
}

type recordingObserver struct {
	nopObserver
	warnings []string
}

func (r *recordingObserver) Warn(step string, _ error) { r.warnings = append(r.warnings, step) }

func TestJournalRedactsAndTimesSteps(t *testing.T) {
	p := config.DefaultPlan()
	p.Pool.Passphrase = "secret-pass"
	j := NewJournal(p)
	j.begin("create_pool")
	j.warn("hostid: missing")
	j.end(errors.New("boom"))
	j.finish(StageAborted, errors.New("boom"))

	assert.Empty(t, j.Plan.Pool.Passphrase)
	require.Len(t, j.Steps, 1)
	assert.Equal(t, StepError, j.Steps[0].Status)
	assert.Equal(t, []string{"hostid: missing"}, j.Steps[0].Warnings)
	assert.NotNil(t, j.Steps[0].FinishedAt)
	assert.False(t, j.OK)
	assert.Equal(t, "boom", j.Error)
}

func TestJournalClosedCopyLeavesOriginalRunning(t *testing.T) {
	j := NewJournal(config.DefaultPlan())
	j.begin("finalize")
	j.warn("hostid: missing")

	c := j.closed(StageFinalized)
	assert.True(t, c.OK)
	assert.Equal(t, "finalized", c.Stage)
	assert.Equal(t, StepOK, c.Steps[0].Status)
	assert.Equal(t, []string{"hostid: missing"}, c.Steps[0].Warnings)

	j.warn("export: busy")
	assert.Equal(t, StepRunning, j.Steps[0].Status)
	assert.False(t, j.OK)
	assert.Nil(t, j.FinishedAt)
	assert.Len(t, c.Steps[0].Warnings, 1)
}
