package disks

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
)

const lsblkOut = `{
  "blockdevices": [
    {"name":"loop0","path":"/dev/loop0","size":1000,"rota":false,"type":"loop"},
    {"name":"sda","path":"/dev/sda","size":500107862016,"rota":true,"type":"disk","model":"WDC WD5000  ",
     "children":[
       {"name":"sda1","path":"/dev/sda1","size":536870912,"rota":true,"type":"part","fstype":"vfat","partlabel":"EFI","mountpoint":null},
       {"name":"sda2","path":"/dev/sda2","size":499570991104,"rota":true,"type":"part","fstype":"zfs_member","partlabel":"ZFS","mountpoint":null}
     ]},
    {"name":"nvme0n1","size":"1024209543168","rota":"0","type":"disk","model":null}
  ]
}`

func TestParseLsblk(t *testing.T) {
	got, err := parseLsblk([]byte(lsblkOut))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "/dev/sda", got[0].Path)
	assert.Equal(t, "WDC WD5000", got[0].Model)
	assert.False(t, got[0].SSD)
	require.Len(t, got[0].Partitions, 2)
	assert.Equal(t, "vfat", got[0].Partitions[0].FSType)
	assert.Equal(t, "ZFS", got[0].Partitions[1].Label)

	assert.Equal(t, "/dev/nvme0n1", got[1].Path)
	assert.Equal(t, int64(1024209543168), got[1].SizeBytes)
	assert.True(t, got[1].SSD)
	assert.Equal(t, "Unknown", got[1].Model)
}

func TestCollectUsesRunner(t *testing.T) {
	rec := shell.NewRecorder().Stdout(lsblkOut, "lsblk")
	got, err := Collect(context.Background(), rec)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = Collect(context.Background(), shell.NewRecorder().Fail("lsblk"))
	assert.Error(t, err)
}

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/sda1", PartitionPath("/dev/sda", 1))
	assert.Equal(t, "/dev/nvme0n1p2", PartitionPath("/dev/nvme0n1", 2))
	assert.Equal(t, "/dev/mmcblk0p3", PartitionPath("/dev/mmcblk0", 3))
	assert.Equal(t, "/dev/vdb3", PartitionPath("/dev/vdb", 3))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512B", HumanSize(512))
	assert.Equal(t, "512.0M", HumanSize(512*1024*1024))
	assert.Equal(t, "1.0T", HumanSize(1<<40))
}

func newState(disk config.DiskSpec) *config.State {
	p := config.DefaultPlan()
	p.Disk = disk
	return config.NewState(p, "/mnt")
}

func TestFullSchemeWithSeparateBoot(t *testing.T) {
	rec := shell.NewRecorder()
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	st := newState(config.DiskSpec{Path: "/dev/sda", Scheme: config.SchemeFull, SeparateBoot: true})

	require.NoError(t, p.Partition(context.Background(), st))
	assert.Equal(t, config.PartitionMap{EFI: "/dev/sda1", Boot: "/dev/sda2", ZFS: "/dev/sda3"}, st.Partitions)
	assert.Equal(t, []string{
		"sgdisk --zap-all /dev/sda",
		"sgdisk --new=1:0:+512M --typecode=1:ef00 --change-name=1:EFI /dev/sda",
		"sgdisk --new=2:0:+1G --typecode=2:8300 --change-name=2:BOOT /dev/sda",
		"sgdisk --new=3:0:0 --typecode=3:bf00 --change-name=3:ZFS /dev/sda",
		"partprobe /dev/sda",
		"udevadm settle",
		"mkfs.fat -F32 -n EFI /dev/sda1",
		"mkfs.ext4 -F -L BOOT /dev/sda2",
	}, rec.Lines())
}

func TestFullSchemeNvme(t *testing.T) {
	rec := shell.NewRecorder()
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	st := newState(config.DiskSpec{Path: "/dev/nvme0n1", Scheme: config.SchemeFull})

	require.NoError(t, p.Partition(context.Background(), st))
	assert.Equal(t, config.PartitionMap{EFI: "/dev/nvme0n1p1", ZFS: "/dev/nvme0n1p2"}, st.Partitions)
	assert.Empty(t, rec.Matching("mkfs.ext4"))
}

func TestFullSchemeStopsOnFailure(t *testing.T) {
	rec := shell.NewRecorder().Fail("partprobe")
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	st := newState(config.DiskSpec{Path: "/dev/sda", Scheme: config.SchemeFull})

	err := p.Partition(context.Background(), st)
	var ce *shell.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, rec.Matching("mkfs.fat"))
}

func TestSettleFailureIsWarning(t *testing.T) {
	rec := shell.NewRecorder().Fail("udevadm")
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	st := newState(config.DiskSpec{Path: "/dev/sda", Scheme: config.SchemeFull})
	assert.NoError(t, p.Partition(context.Background(), st))
}

func TestExistingSchemeChecksEFIFilesystem(t *testing.T) {
	disk := config.DiskSpec{Path: "/dev/sda", Scheme: config.SchemeExisting, EFIPartition: "/dev/sda1", ZFSPartition: "/dev/sda3"}

	rec := shell.NewRecorder().Stdout("ext4\n", "blkid")
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	err := p.Partition(context.Background(), newState(disk))
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)

	rec = shell.NewRecorder().Stdout("vfat\n", "blkid")
	p.Run = rec
	st := newState(disk)
	require.NoError(t, p.Partition(context.Background(), st))
	assert.Equal(t, "/dev/sda3", st.Partitions.ZFS)
	assert.Empty(t, rec.Matching("mkfs.fat"))
}

func TestExistingSchemeFormatsOnRequest(t *testing.T) {
	rec := shell.NewRecorder()
	p := &Partitioner{Run: rec, Log: zerolog.Nop()}
	st := newState(config.DiskSpec{
		Path: "/dev/sda", Scheme: config.SchemeExisting,
		EFIPartition: "/dev/sda1", BootPart: "/dev/sda2", ZFSPartition: "/dev/sda3",
		SeparateBoot: true, FormatEFI: true, FormatBoot: true,
	})
	require.NoError(t, p.Partition(context.Background(), st))
	assert.Equal(t, []string{"mkfs.fat -F32 -n EFI /dev/sda1", "mkfs.ext4 -F -L BOOT /dev/sda2"}, rec.Lines())
	assert.Equal(t, "/dev/sda2", st.Partitions.Boot)
}

func TestUUID(t *testing.T) {
	rec := shell.NewRecorder().Stdout("0A1B-2C3D\n", "blkid", "-s", "UUID")
	got, err := UUID(context.Background(), rec, "/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "0A1B-2C3D", got)
	assert.Equal(t, []string{"blkid -s UUID -o value /dev/sda1"}, rec.Lines())

	rec = shell.NewRecorder().Respond(shell.Result{Code: 2}, nil, "blkid")
	got, err = UUID(context.Background(), rec, "/dev/sda9")
	require.NoError(t, err)
	assert.Empty(t, got)
}
