package diode

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
)

func newProcessTestEnv(t *testing.T) *env.Env {
	dir := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Mkdir(dir, 0o700))
	e := env.New(env.NewDir(dir, false))
	t.Cleanup(func() {
		require.NoError(t, e.Cleanup(), "env cleanup")
	})
	return e
}

var processTestLogger = logging.GetLogger("diode/process_test")

func TestProcessSettleReadiness(t *testing.T) {
	require := require.New(t)
	e := newProcessTestEnv(t)

	p, err := Spawn(e, processTestLogger, "sleeper", "sleep", []string{"60"}, StreamCapture)
	require.NoError(err, "Spawn")
	require.NoError(p.AwaitReady(context.Background(), ReadinessPolicy{Settle: 10 * time.Millisecond}), "AwaitReady")
	require.True(p.Running())
	require.FileExists(filepath.Join(e.Dir(), "sleeper.console.log"))

	p.Terminate()
	require.False(p.Running())
	p.Terminate()
	p.Stop(time.Second)

	var nilProc *ManagedProcess
	require.False(nilProc.Running())
	nilProc.Terminate()
}

func TestProcessStartupFailure(t *testing.T) {
	require := require.New(t)
	e := newProcessTestEnv(t)

	p, err := Spawn(e, processTestLogger, "failing", "sh", []string{"-c", "echo bind failed; exit 3"}, StreamCapture)
	require.NoError(err, "Spawn")
	err = p.AwaitReady(context.Background(), ReadinessPolicy{Settle: 10 * time.Second})
	require.ErrorIs(err, ErrStartupFailure)

	var startupErr *StartupError
	require.True(errors.As(err, &startupErr))
	require.Equal("failing", startupErr.Name)
	require.Contains(startupErr.Output, "bind failed")

	_, err = Spawn(e, processTestLogger, "missing", filepath.Join(e.Dir(), "no-such-binary"), nil, StreamDiscard)
	require.ErrorIs(err, ErrStartupFailure, "missing binary")
}

func TestProcessProbeReadiness(t *testing.T) {
	require := require.New(t)
	e := newProcessTestEnv(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err, "Listen")
	defer l.Close()

	p, err := Spawn(e, processTestLogger, "sleeper", "sleep", []string{"60"}, StreamDiscard)
	require.NoError(err, "Spawn")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.AwaitReady(ctx, ReadinessPolicy{
		Mode:          ReadinessProbe,
		ProbeAddr:     l.Addr().String(),
		ProbeInterval: 5 * time.Millisecond,
	})
	require.NoError(err, "probe of a listening endpoint")

	addr := l.Addr().String()
	require.NoError(l.Close())
	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = p.AwaitReady(ctx, ReadinessPolicy{
		Mode:          ReadinessProbe,
		ProbeAddr:     addr,
		ProbeInterval: 5 * time.Millisecond,
	})
	require.ErrorIs(err, ErrStartupFailure, "probe of a closed endpoint")
}

func TestProcessWait(t *testing.T) {
	require := require.New(t)
	e := newProcessTestEnv(t)
	ctx := context.Background()

	p, err := Spawn(e, processTestLogger, "ok", "true", nil, StreamDiscard)
	require.NoError(err, "Spawn")
	require.NoError(p.Wait(ctx), "Wait(true)")

	p, err = Spawn(e, processTestLogger, "fail", "sh", []string{"-c", "echo no route; exit 1"}, StreamCapture)
	require.NoError(err, "Spawn")
	err = p.Wait(ctx)
	require.ErrorIs(err, ErrTransferFailed)
	require.Contains(err.Error(), "no route")

	p, err = Spawn(e, processTestLogger, "slow", "sleep", []string{"60"}, StreamDiscard)
	require.NoError(err, "Spawn")
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(p.Wait(tctx), ErrTransferFailed, "timed out client")
	require.False(p.Running(), "timed out client is killed")
}

func TestProcessEarlyExit(t *testing.T) {
	require := require.New(t)
	e := newProcessTestEnv(t)

	p, err := Spawn(e, processTestLogger, "short", "true", nil, StreamDiscard)
	require.NoError(err, "Spawn")

	select {
	case err = <-p.Errors():
		require.ErrorIs(err, env.ErrEarlyTerm)
	case <-time.After(10 * time.Second):
		require.Fail("early exit not reported")
	}

	p, err = Spawn(e, processTestLogger, "stopped", "sleep", []string{"60"}, StreamDiscard)
	require.NoError(err, "Spawn")
	p.Terminate()
	_, ok := <-p.Errors()
	require.False(ok, "terminated processes report nothing")
}

func TestTailBuffer(t *testing.T) {
	require := require.New(t)

	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	require.Equal("abcdefgh", b.String())
	_, _ = b.Write([]byte("ij"))
	require.Equal("cdefghij", b.String())
	_, _ = b.Write([]byte(strings.Repeat("x", 20) + "yz"))
	require.Equal("xxxxxxyz", b.String())
}
