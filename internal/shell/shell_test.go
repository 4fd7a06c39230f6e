package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutputAndCode(t *testing.T) {
	e := &Exec{Log: zerolog.Nop()}
	res, err := e.Run(context.Background(), Command("sh", "-c", "echo out; echo err >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Code)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, res.Args)

	var ce *CommandError
	require.ErrorAs(t, res.Err(), &ce)
	assert.Equal(t, 3, ce.Code)
	assert.Contains(t, ce.Error(), "exit status 3")
}

func TestExecPipesSecretOnStdin(t *testing.T) {
	e := &Exec{Log: zerolog.Nop()}
	c := Command("cat").WithSecret("hunter22\n")
	res, err := e.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "hunter22\n", string(res.Stdout))
	assert.NotContains(t, c.String(), "hunter22")
}

func TestExecTimeout(t *testing.T) {
	e := &Exec{Log: zerolog.Nop(), Timeout: 50 * time.Millisecond}
	_, err := e.Run(context.Background(), Command("sleep", "5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestExecLongClassUsesLongTimeout(t *testing.T) {
	e := &Exec{Log: zerolog.Nop(), Timeout: 10 * time.Millisecond, LongTimeout: 5 * time.Second}
	res, err := e.Run(context.Background(), Command("sleep", "0.1").LongRunning())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
}

func TestExecCancelled(t *testing.T) {
	e := &Exec{Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, Command("true"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(Result{}, nil))
	assert.Error(t, Check(Result{Code: 2, Args: []string{"x"}}, nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, Check(Result{}, boom), boom)
}

func TestCommandErrorQuotesArgs(t *testing.T) {
	err := &CommandError{Args: []string{"zfs", "set", "mountpoint=/mnt/a b", "rpool"}, Code: 1, Stderr: "nope\n"}
	assert.Equal(t, `zfs set 'mountpoint=/mnt/a b' rpool: exit status 1: nope`, err.Error())
}

func TestChroot(t *testing.T) {
	c := Chroot("/mnt", "locale-gen")
	assert.Equal(t, []string{"arch-chroot", "/mnt", "locale-gen"}, c.Args)
}

func TestRecorderLongestPrefixWins(t *testing.T) {
	r := NewRecorder().Fail("zfs").Stdout("ok", "zfs", "list")
	res, err := r.Run(context.Background(), Command("zfs", "list", "-H"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "ok", string(res.Stdout))

	res, _ = r.Run(context.Background(), Command("zfs", "create", "x"))
	assert.Equal(t, 1, res.Code)
	assert.Equal(t, []string{"zfs list -H", "zfs create x"}, r.Lines())
	assert.Equal(t, []string{"zfs create x"}, r.Matching("zfs", "create"))
}
