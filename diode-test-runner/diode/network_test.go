package diode

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/CrabeDeFrance/lidi/common/metrics"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/log"
)

// fakeDaemon records its arguments, one per line, and sleeps until killed.
const fakeDaemon = `#!/bin/sh
printf '%%s\n' "$@" > "%s/$(basename "$0").args"
exec sleep 600
`

// fakeSendFile copies its positional arguments into the receive directory.
const fakeSendFile = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
	--*) shift 2 ;;
	*) cp "$1" "%s/" || exit 1; shift ;;
	esac
done
`

type testNetwork struct {
	*Network

	binDir  string
	argsDir string
}

func (tn *testNetwork) writeScript(t *testing.T, name, body string) string {
	path := filepath.Join(tn.binDir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700), "write %s", name)
	return path
}

func (tn *testNetwork) args(t *testing.T, name string) []string {
	b, err := os.ReadFile(filepath.Join(tn.argsDir, name+".args"))
	require.NoError(t, err, "read %s arguments", name)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func readTransportConfig(t *testing.T, dir string, role Role) *TransportConfig {
	b, err := os.ReadFile(ConfigPath(dir, role))
	require.NoError(t, err, "read %s config", role)
	var cfg TransportConfig
	require.NoError(t, toml.Unmarshal(b, &cfg), "decode %s config", role)
	return &cfg
}

func testNetworkCfg() NetworkCfg {
	cfg := DefaultNetworkCfg()
	cfg.Settle = SettleDelays{
		Relay:       10 * time.Millisecond,
		ReceiveFile: 10 * time.Millisecond,
		Receive:     10 * time.Millisecond,
		Send:        10 * time.Millisecond,
		SendDir:     10 * time.Millisecond,
		Throttle:    10 * time.Millisecond,
	}
	cfg.SendTimeout = 10 * time.Second
	cfg.ReceiverRestartGrace = 10 * time.Millisecond
	cfg.InFlightDelay = 10 * time.Millisecond
	cfg.ThrottleStopGrace = time.Second
	cfg.ThrottleReleaseDelay = time.Millisecond
	return cfg
}

func newTestNetwork(t *testing.T, cfg NetworkCfg) *testNetwork {
	base := t.TempDir()
	binDir := filepath.Join(base, "bin")
	argsDir := filepath.Join(base, "args")
	rootDir := filepath.Join(base, "root")
	for _, d := range []string{binDir, argsDir, rootDir} {
		require.NoError(t, os.Mkdir(d, 0o700), "mkdir %s", d)
	}

	e := env.New(env.NewDir(rootDir, false))
	t.Cleanup(func() {
		require.NoError(t, e.Cleanup(), "env cleanup")
	})

	cfg.BinDir = binDir
	cfg.ThrottleBinary = filepath.Join(binDir, "runner")
	net, err := New(e, &cfg)
	require.NoError(t, err, "New")

	tn := &testNetwork{
		Network: net,
		binDir:  binDir,
		argsDir: argsDir,
	}
	for _, role := range []Role{RoleSend, RoleReceive, RoleReceiveFile, RoleSendDir, RoleRelay} {
		tn.writeScript(t, role.String(), fmt.Sprintf(fakeDaemon, argsDir))
	}
	tn.writeScript(t, "runner", fmt.Sprintf(fakeDaemon, argsDir))
	tn.writeScript(t, RoleSendFile.String(), fmt.Sprintf(fakeSendFile, net.ReceiveDir()))
	return tn
}

func TestNetworkStart(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	require.NoError(net.Start(ctx), "Start")
	for _, role := range []Role{RoleReceiveFile, RoleReceive, RoleSend} {
		require.True(net.Process(role).Running(), "%s must be running", role)
	}
	require.Nil(net.Process(RoleRelay), "no relay without faults")
	require.Nil(net.Process(RoleSendDir), "the directory watcher starts on demand")

	require.Equal([]string{"-c", ConfigPath(net.ConfigDir(), RoleReceive)}, net.args(t, "diode-receive"))
	require.Equal([]string{"-c", ConfigPath(net.ConfigDir(), RoleSend)}, net.args(t, "diode-send"))
	require.Equal([]string{
		"--bind-tcp", "127.0.0.1:7000",
		"--log-config", LogConfigPath(net.ConfigDir(), RoleReceiveFile),
		net.ReceiveDir(),
	}, net.args(t, "diode-receive-file"))

	err := net.StartRole(ctx, RoleSend)
	require.ErrorIs(err, ErrUsage, "starting a running role")

	restarts := testutil.ToFloat64(metrics.ProcessRestarts.WithLabelValues(RoleReceive.String()))
	oldPid := net.Process(RoleReceive).Pid()
	require.NoError(net.RestartReceiver(ctx), "RestartReceiver")
	require.True(net.Process(RoleReceive).Running(), "receiver must be running after restart")
	require.NotEqual(oldPid, net.Process(RoleReceive).Pid(), "receiver must be a new process")
	require.Equal(restarts+1, testutil.ToFloat64(metrics.ProcessRestarts.WithLabelValues(RoleReceive.String())))

	require.NoError(net.CheckLogWatchers(), "CheckLogWatchers")

	select {
	case err = <-net.Errors():
		require.Fail("unexpected process error", "%v", err)
	default:
	}
}

func TestNetworkStartRoleOrder(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	err := net.StartRole(ctx, RoleSend)
	require.ErrorIs(err, ErrUsage, "diode-send needs diode-receive")
	err = net.StartRole(ctx, RoleReceive)
	require.ErrorIs(err, ErrUsage, "diode-receive needs diode-receive-file")
	err = net.StartSendDir(ctx)
	require.ErrorIs(err, ErrUsage, "diode-send-dir needs diode-send")
	err = net.StartRole(ctx, RoleThrottle)
	require.ErrorIs(err, ErrUsage, "the throttle is not a topology role")

	require.NoError(net.StartRole(ctx, RoleReceiveFile), "StartRole(receive-file)")
	require.NoError(net.StartRole(ctx, RoleReceive), "StartRole(receive)")
	require.NoError(net.StartRole(ctx, RoleSend), "StartRole(send)")
	require.NoError(net.StartSendDir(ctx), "StartSendDir")
	require.Equal([]string{
		"--log-config", LogConfigPath(net.ConfigDir(), RoleSendDir),
		"--maximum-delay", "200",
		"--to-tcp", "127.0.0.1:5000",
		net.SendDir(),
	}, net.args(t, "diode-send-dir"))
}

func TestNetworkFaults(t *testing.T) {
	require := require.New(t)
	cfg := testNetworkCfg()
	cfg.Faults = FaultSchedule{
		DownAfter: 2 * time.Second,
		UpAfter:   4 * time.Second,
	}
	net := newTestNetwork(t, cfg)

	_, ok := net.RelayStartedAt()
	require.False(ok, "relay not started yet")

	before := time.Now()
	require.NoError(net.Start(context.Background()), "Start")
	require.True(net.Process(RoleRelay).Running(), "relay must run with faults")

	relayStart, ok := net.RelayStartedAt()
	require.True(ok, "relay start time recorded")
	require.False(relayStart.Before(before), "relay started during Start")
	require.True(relayStart.Before(time.Now().Add(-cfg.Settle.Receive)), "relay start precedes the later settle delays")
	require.Equal([]string{
		"--bind-udp", "0.0.0.0:5000",
		"--to-udp", "127.0.0.1:6000",
		"--log-config", LogConfigPath(net.ConfigDir(), RoleRelay),
		"--network-down-after", "2",
		"--network-up-after", "4",
	}, net.args(t, "network-behavior"))

	require.Equal([]uint16{6000}, readTransportConfig(t, net.ConfigDir(), RoleReceive).UDPPort)
	require.Equal([]uint16{5000}, readTransportConfig(t, net.ConfigDir(), RoleSend).UDPPort)
}

func TestNetworkInvalidFaults(t *testing.T) {
	e := env.New(env.NewDir(t.TempDir(), true))
	cfg := testNetworkCfg()
	cfg.Faults = FaultSchedule{LossRate: 2}
	_, err := New(e, &cfg)
	require.ErrorIs(t, err, ErrUsage)
}

func TestNetworkSend(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	rec, err := net.CreatePayload("a.bin", 10_000)
	require.NoError(err, "CreatePayload")
	never, err := net.CreateStagedPayload("never.bin", 1_000)
	require.NoError(err, "CreateStagedPayload")

	_, err = net.Send(ctx, rec, SendSync)
	require.ErrorIs(err, ErrUsage, "send before start")

	require.NoError(net.Start(ctx), "Start")
	_, err = net.Send(ctx, rec, SendSync)
	require.NoError(err, "Send")
	require.NoError(net.ExpectArrival(ctx, "a.bin", 5*time.Second), "ExpectArrival")
	require.NoError(net.ExpectAbsence(ctx, never.Name, 20*time.Millisecond), "ExpectAbsence")

	var recs []*FileRecord
	for i := 0; i < 3; i++ {
		r, err := net.CreatePayload(net.NextName("many"), 2_000)
		require.NoError(err, "CreatePayload")
		recs = append(recs, r)
	}
	require.NoError(net.SendMany(ctx, recs...), "SendMany")
	require.NoError(net.ExpectAllArrivals(ctx, 5*time.Second, recs...), "ExpectAllArrivals")

	late, err := net.CreatePayload("late.bin", 1_000)
	require.NoError(err, "CreatePayload")
	require.NoError(net.SendAndRestart(ctx, late, RoleSend), "SendAndRestart")
	require.NoError(net.ExpectArrival(ctx, late.Name, 5*time.Second), "ExpectArrival after restart")

	require.Len(net.Files(), 6)
	require.ErrorIs(net.ExpectArrival(ctx, "unknown.bin", time.Millisecond), ErrUsage)
	require.ErrorIs(net.SendAndRestart(ctx, late, RoleRelay), ErrUsage, "only diode-send and diode-receive restart")
}

func TestNetworkSendFailure(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	net.writeScript(t, RoleSendFile.String(), "#!/bin/sh\necho connection refused\nexit 1\n")
	require.NoError(net.Start(ctx), "Start")

	rec, err := net.CreatePayload("a.bin", 1_000)
	require.NoError(err, "CreatePayload")
	_, err = net.Send(ctx, rec, SendSync)
	require.ErrorIs(err, ErrTransferFailed)
	require.Contains(err.Error(), "connection refused", "the client output is reported")
}

func TestNetworkStartupFailure(t *testing.T) {
	require := require.New(t)
	cfg := testNetworkCfg()
	cfg.Settle.ReceiveFile = 500 * time.Millisecond
	net := newTestNetwork(t, cfg)

	net.writeScript(t, RoleReceiveFile.String(), "#!/bin/sh\necho address already in use\nexit 2\n")
	err := net.Start(context.Background())
	require.ErrorIs(err, ErrStartupFailure)
	require.Contains(err.Error(), "address already in use")
	require.Nil(net.Process(RoleReceive), "later roles are not started")

	select {
	case err = <-net.Errors():
		require.Fail("startup failure reported twice", "%v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNetworkEarlyExit(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())

	net.writeScript(t, RoleReceive.String(), "#!/bin/sh\nexec sleep 0.5\n")
	require.NoError(net.Start(context.Background()), "Start")

	select {
	case err := <-net.Errors():
		require.ErrorIs(err, env.ErrEarlyTerm)
		require.Contains(err.Error(), RoleReceive.String())
	case <-time.After(10 * time.Second):
		require.Fail("early exit not reported")
	}
}

func TestNetworkPayloads(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	rec, err := net.CopyIntoSendDir("copied.bin", 1_000)
	require.NoError(err, "CopyIntoSendDir")
	require.Equal(filepath.Join(net.SendDir(), "copied.bin"), rec.Path)
	require.NoError(net.ExpectInSendDir(ctx, "copied.bin", time.Second), "copied file in send dir")

	rec, err = net.MoveIntoSendDir("moved.bin", 1_000)
	require.NoError(err, "MoveIntoSendDir")
	require.NoFileExists(filepath.Join(net.stagingDir.String(), "moved.bin"), "moved file left staging")
	require.NoError(net.ExpectInSendDir(ctx, rec.Name, time.Second), "moved file in send dir")

	recs, err := net.CopyManyIntoSendDir(3, 500)
	require.NoError(err, "CopyManyIntoSendDir")
	require.Len(recs, 3)
	for _, r := range recs {
		require.True(strings.HasPrefix(r.Name, "test_file_"), "generated name %s", r.Name)
		require.FileExists(r.Path)
	}

	_, err = net.CreatePayload("copied.bin", 10)
	require.ErrorIs(err, ErrUsage, "duplicate payload name")
	_, err = net.CreatePayload("../escape.bin", 10)
	require.ErrorIs(err, ErrUsage, "payload names are plain file names")
	_, err = net.CopyManyIntoSendDir(0, 10)
	require.ErrorIs(err, ErrUsage)
}

func TestNetworkThrottled(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())
	ctx := context.Background()

	require.ErrorIs(net.StartThrottled(ctx, 0), ErrUsage)

	rec, err := net.CreatePayload("a.bin", 1_000)
	require.NoError(err, "CreatePayload")
	require.NoError(net.StartThrottled(ctx, 10), "StartThrottled")

	th := net.Throttle()
	require.NotNil(th)
	require.EqualValues(1_250_000, th.BytesPerSecond(), "10 Mb/s")
	require.Equal([]string{
		"throttlefs",
		"--rate", "1250000",
		th.ShadowDir(),
		net.SendDir(),
	}, net.args(t, "runner"))
	require.Equal(th.Path("a.bin"), net.sendPath(rec), "sends read through the throttle")

	sendCfg := readTransportConfig(t, net.ConfigDir(), RoleSend)
	require.NotNil(sendCfg.Sender.MaxBandwidth, "max_bandwidth must be set")
	require.EqualValues(10, *sendCfg.Sender.MaxBandwidth)

	require.ErrorIs(net.StartThrottled(ctx, 10), ErrUsage, "bandwidth is fixed once started")

	require.NoError(th.Unmount(), "Unmount")
	require.False(net.Process(RoleThrottle).Running(), "throttle stopped")
	require.NoError(th.Unmount(), "second Unmount")

	var nilThrottle *Throttle
	require.NoError(nilThrottle.Unmount(), "nil Unmount")
}

func TestNetworkCorruptedSessionLog(t *testing.T) {
	require := require.New(t)
	cfg := testNetworkCfg()
	net := newTestNetwork(t, cfg)

	net.writeScript(t, RoleReceive.String(), fmt.Sprintf(
		"#!/bin/sh\necho 'WARN diode::receive: session is corrupted, dropping it' >> %s\nexec sleep 600\n",
		LogPath(net.LogsDir(), RoleReceive),
	))
	require.NoError(net.Start(context.Background()), "Start")

	err := net.CheckLogWatchers()
	require.Error(err, "corrupted session must be reported")
	require.Contains(err.Error(), "session corruption detected")
	require.Contains(err.Error(), RoleReceive.String())
}

func TestNetworkRoleLogWatchers(t *testing.T) {
	require := require.New(t)
	cfg := testNetworkCfg()
	cfg.RoleLogWatcherHandlerFactories = map[Role][]log.WatcherHandlerFactory{
		RoleReceive: {LogAssertCorruptedSessions()},
	}
	net := newTestNetwork(t, cfg)

	require.NoError(net.Start(context.Background()), "Start")
	err := net.CheckLogWatchers()
	require.Error(err, "missing corrupted session must be reported")
	require.Contains(err.Error(), "session corruption not detected")

	def := DefaultNetworkCfg()
	require.Len(def.RoleLogWatcherHandlerFactories[RoleReceive], 2, "startup and parameter checks")
	require.Len(def.RoleLogWatcherHandlerFactories[RoleSend], 1, "startup check")
}

func TestNetworkPayloadWriteFailure(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork(t, testNetworkCfg())

	net.entropy = io.LimitReader(rand.Reader, 100)
	_, err := net.CreatePayload("short.bin", 1_000)
	require.ErrorIs(err, io.EOF)
	require.NoFileExists(filepath.Join(net.SendDir(), "short.bin"), "partial payload removed")
	_, ok := net.File("short.bin")
	require.False(ok, "partial payload not recorded")
}
