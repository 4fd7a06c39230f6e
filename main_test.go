package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/installer"
	"archzfs/installer/internal/shell"
)

func TestExitCode(t *testing.T) {
	cancelled := fmt.Errorf("mount stage failed: %w", fmt.Errorf("%w: %w", installer.ErrCancelled, context.Canceled))
	for name, tc := range map[string]struct {
		err  error
		want int
	}{
		"ok":          {nil, 0},
		"cancelled":   {cancelled, 130},
		"ctx":         {context.Canceled, 130},
		"interrupted": {terminal.InterruptErr, 130},
		"failed":      {errors.New("zpool create: exit 1"), 1},
	} {
		assert.Equal(t, tc.want, exitCode(tc.err), name)
	}
}

func TestDiagnoseShowsCommandDetails(t *testing.T) {
	ce := &shell.CommandError{Args: []string{"zpool", "create", "my pool"}, Code: 1, Stderr: "cannot create 'my pool': invalid name"}
	err := fmt.Errorf("create_pool stage failed: %w", ce)

	var buf bytes.Buffer
	diagnose(&buf, err)
	out := buf.String()
	assert.Contains(t, out, "0: *fmt.wrapError")
	assert.Contains(t, out, "Command: zpool create 'my pool'")
	assert.Contains(t, out, "Exit status: 1")
	assert.Contains(t, out, "invalid name")
}

func TestDiagnoseJoinedErrors(t *testing.T) {
	var buf bytes.Buffer
	diagnose(&buf, errors.Join(errors.New("bad disk"), errors.New("bad pool")))
	assert.Contains(t, buf.String(), "joined: bad disk")
	assert.Contains(t, buf.String(), "joined: bad pool")
}

func TestVersionCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, "zfs-installer dev (commit: unknown)\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	p := config.DefaultPlan()
	p.Disk.Path = "/dev/sda"
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, config.SavePlan(good, p))

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run([]string{"validate", good}, &out, &errOut))
	assert.Contains(t, out.String(), "good.yaml: ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("disk:\n  path: /dev/sda\npool:\n  name: 9pool\n"), 0o600))
	out.Reset()
	errOut.Reset()
	assert.Equal(t, 1, run([]string{"validate", bad}, &out, &errOut))
	assert.Contains(t, errOut.String(), "pool.name")
}

func TestUnknownCommandFails(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command")
}
