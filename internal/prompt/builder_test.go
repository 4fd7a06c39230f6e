package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
)

const lsblkOut = `{"blockdevices":[
 {"name":"sda","path":"/dev/sda","size":512110190592,"rota":false,"type":"disk","model":"Samsung SSD","children":[
  {"name":"sda1","path":"/dev/sda1","size":536870912,"type":"part","fstype":"vfat"},
  {"name":"sda2","path":"/dev/sda2","size":511000000000,"type":"part","fstype":"ext4"}]},
 {"name":"sdb","path":"/dev/sdb","size":1000204886016,"rota":true,"type":"disk","model":"WD Blue"},
 {"name":"sdc","path":"/dev/sdc","size":1000204886016,"rota":true,"type":"disk","model":"WD Blue"}
]}`

// scripted answers questions from per-message queues and falls back to the
// offered default when a queue is empty.
type scripted struct {
	answers map[string][]any
	asked   []string
}

func (s *scripted) next(msg string) (any, bool) {
	s.asked = append(s.asked, msg)
	q := s.answers[msg]
	if len(q) == 0 {
		return nil, false
	}
	s.answers[msg] = q[1:]
	if err, ok := q[0].(error); ok {
		return err, true
	}
	return q[0], true
}

func (s *scripted) Select(msg string, options []string, def string) (string, error) {
	v, ok := s.next(msg)
	if !ok {
		if def != "" {
			return def, nil
		}
		return options[0], nil
	}
	if err, isErr := v.(error); isErr {
		return "", err
	}
	return v.(string), nil
}

func (s *scripted) MultiSelect(msg string, _ []string, def []string) ([]string, error) {
	v, ok := s.next(msg)
	if !ok {
		return def, nil
	}
	return v.([]string), nil
}

func (s *scripted) Input(msg, def string) (string, error) {
	v, ok := s.next(msg)
	if !ok {
		return def, nil
	}
	if err, isErr := v.(error); isErr {
		return "", err
	}
	return v.(string), nil
}

func (s *scripted) Password(msg string) (string, error) {
	v, ok := s.next(msg)
	if !ok {
		return "", fmt.Errorf("no answer for %q", msg)
	}
	return v.(string), nil
}

func (s *scripted) Confirm(msg string, def bool) (bool, error) {
	v, ok := s.next(msg)
	if !ok {
		return def, nil
	}
	return v.(bool), nil
}

func baseAnswers() map[string][]any {
	return map[string][]any{
		"Enter password for root:":            {"rootpw"},
		"Confirm password for root:":          {"rootpw"},
		"Create a regular user account?":      {false},
		"Continue with the installation?":     {true},
		"Type /dev/sda to confirm:":           {"/dev/sda"},
		"Rank pacman mirrors with reflector?": {false},
	}
}

func newBuilder(ask *scripted) (*Builder, *bytes.Buffer) {
	var out bytes.Buffer
	rec := shell.NewRecorder().Stdout(lsblkOut, "lsblk")
	b := &Builder{
		Ask:      ask,
		Run:      rec,
		Out:      &out,
		Log:      zerolog.Nop(),
		MemTotal: func() (uint64, error) { return 16 << 30, nil },
	}
	return b, &out
}

func TestDefaultSwapGiB(t *testing.T) {
	for _, tc := range []struct {
		mem  uint64
		want int
	}{
		{1 << 30, 2},
		{4 << 30, 2},
		{16 << 30, 8},
		{64 << 30, 32},
		{256 << 30, 32},
	} {
		assert.Equal(t, tc.want, DefaultSwapGiB(tc.mem), "mem %d", tc.mem)
	}
}

func TestBuildDefaults(t *testing.T) {
	ask := &scripted{answers: baseAnswers()}
	b, out := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", p.Disk.Path)
	assert.Equal(t, config.SchemeFull, p.Disk.Scheme)
	assert.Equal(t, config.BootloaderGrub, p.Boot.Bootloader)
	assert.Equal(t, 8, p.Pool.SwapGiB)
	assert.Equal(t, "rpool", p.Pool.Name)
	assert.Equal(t, "rootpw", p.System.RootPassword)
	assert.NotContains(t, out.String(), "rootpw")
	assert.Contains(t, out.String(), "WARNING: this will destroy all data on /dev/sda")
}

func TestBuildRepromptsOnPassphraseMismatch(t *testing.T) {
	answers := baseAnswers()
	answers["Enable native ZFS encryption?"] = []any{true}
	answers["Enter encryption passphrase:"] = []any{"short", "longenough1", "longenough2"}
	answers["Confirm encryption passphrase:"] = []any{"short", "mismatch!!", "longenough2"}
	ask := &scripted{answers: answers}
	b, out := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Pool.Encryption)
	assert.Equal(t, "longenough2", p.Pool.Passphrase)
	assert.Contains(t, out.String(), "do not match, try again")
}

func TestBuildMirrorAsksForDevices(t *testing.T) {
	answers := baseAnswers()
	answers["Select pool layout:"] = []any{"mirror"}
	answers["Additional devices for mirror (at least 1, space separated):"] = []any{"", "/dev/sda", "/dev/sdb2"}
	ask := &scripted{answers: answers}
	b, _ := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.TopologyMirror, p.Pool.Topology)
	assert.Equal(t, []string{"/dev/sdb2"}, p.Pool.ExtraDevices)
}

func TestBuildExistingPartitions(t *testing.T) {
	answers := baseAnswers()
	answers["Choose partitioning method:"] = []any{schemeExisting}
	answers["Select the EFI system partition:"] = []any{"/dev/sda1"}
	answers["Select the ZFS partition:"] = []any{"/dev/sda2"}
	ask := &scripted{answers: answers}
	b, _ := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.SchemeExisting, p.Disk.Scheme)
	assert.Equal(t, "/dev/sda1", p.Disk.EFIPartition)
	assert.False(t, p.Disk.FormatEFI)
	assert.Equal(t, "/dev/sda2", p.Disk.ZFSPartition)
	assert.NotContains(t, ask.asked, "Use a separate /boot partition?")
}

func TestBuildSystemdBootSkipsSeparateBoot(t *testing.T) {
	answers := baseAnswers()
	answers["Select bootloader:"] = []any{"systemd-boot"}
	ask := &scripted{answers: answers}
	b, _ := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.BootloaderSystemdBoot, p.Boot.Bootloader)
	assert.False(t, p.Disk.SeparateBoot)
	assert.NotContains(t, ask.asked, "Create a separate /boot partition?")
	assert.NotContains(t, ask.asked, "Set up for dual-boot with another OS?")
}

func TestBuildUsers(t *testing.T) {
	answers := baseAnswers()
	answers["Create a regular user account?"] = []any{true}
	answers["Create another user account?"] = []any{false}
	answers["Enter username:"] = []any{"Bad Name", "root", "alice"}
	answers["Enter password for alice:"] = []any{"alicepw"}
	answers["Confirm password for alice:"] = []any{"alicepw"}
	answers["Select default shell:"] = []any{"/bin/zsh"}
	answers["Select user groups:"] = []any{[]string{}}
	ask := &scripted{answers: answers}
	b, _ := newBuilder(ask)

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, p.System.Users, 1)
	u := p.System.Users[0]
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, "/bin/zsh", u.Shell)
	assert.Equal(t, DefaultGroups, u.Groups)
}

func TestBuildMirrorCountry(t *testing.T) {
	answers := baseAnswers()
	answers["Rank pacman mirrors with reflector?"] = []any{true}
	answers["Select mirror country:"] = []any{"DE"}
	b, _ := newBuilder(&scripted{answers: answers})

	p, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, p.System.Mirrors.Enabled)
	assert.Equal(t, "DE", p.System.Mirrors.Country)
}

func TestBuildDeclined(t *testing.T) {
	answers := baseAnswers()
	answers["Type /dev/sda to confirm:"] = []any{"/dev/sdb"}
	b, _ := newBuilder(&scripted{answers: answers})
	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrDeclined)

	answers = baseAnswers()
	answers["Continue with the installation?"] = []any{false}
	b, _ = newBuilder(&scripted{answers: answers})
	_, err = b.Build(context.Background())
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestBuildPropagatesAskErrors(t *testing.T) {
	answers := baseAnswers()
	boom := errors.New("tty gone")
	answers["Enter ZFS pool name:"] = []any{boom}
	b, _ := newBuilder(&scripted{answers: answers})
	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestBuildNoDisks(t *testing.T) {
	b, _ := newBuilder(&scripted{answers: baseAnswers()})
	b.Run = shell.NewRecorder().Stdout(`{"blockdevices":[]}`, "lsblk")
	_, err := b.Build(context.Background())
	assert.ErrorContains(t, err, "no disks found")
}

func TestFillSecrets(t *testing.T) {
	p := config.DefaultPlan()
	p.Pool.Encryption = true
	p.System.Users = []config.UserSpec{{Name: "alice"}, {Name: "bob", Password: "bobpass", PasswordConfirm: "bobpass"}}
	ask := &scripted{answers: map[string][]any{
		"Enter encryption passphrase:":   {"longenough"},
		"Confirm encryption passphrase:": {"longenough"},
		"Enter password for root:":       {"rootpw"},
		"Confirm password for root:":     {"rootpw"},
		"Enter password for alice:":      {"alicepw"},
		"Confirm password for alice:":    {"alicepw"},
	}}
	b, _ := newBuilder(ask)

	require.NoError(t, b.FillSecrets(&p))
	assert.Equal(t, "longenough", p.Pool.Passphrase)
	assert.Equal(t, "rootpw", p.System.RootPasswordConfirm)
	assert.Equal(t, "alicepw", p.System.Users[0].Password)
	assert.Equal(t, "bobpass", p.System.Users[1].Password)
	assert.NotContains(t, ask.asked, "Enter password for bob:")
}
