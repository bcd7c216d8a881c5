// Package diode provides the scenario context of the diode test runner: it
// synthesizes configuration, supervises the diode processes, injects faults,
// throttles reads, drives transfers and checks what arrives.
package diode

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/common/metrics"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/log"
)

const (
	sendDirName      = "send"
	receiveDirName   = "receive"
	logsDirName      = "logs"
	configDirName    = "config"
	stagingDirName   = "staging"
	rateLimitDirName = "send-ratelimit"

	errChSize = 16
)

// SettleDelays are the delays slept after starting each role, before it is
// considered ready.
type SettleDelays struct {
	Relay       time.Duration `json:"relay"`
	ReceiveFile time.Duration `json:"receive_file"`
	Receive     time.Duration `json:"receive"`
	Send        time.Duration `json:"send"`
	SendDir     time.Duration `json:"send_dir"`
	Throttle    time.Duration `json:"throttle"`
}

// DefaultSettleDelays returns the settle delays known to work with the
// diode binaries.
func DefaultSettleDelays() SettleDelays {
	return SettleDelays{
		Relay:       time.Second,
		ReceiveFile: time.Second,
		Receive:     2 * time.Second,
		Send:        500 * time.Millisecond,
		SendDir:     time.Second,
		Throttle:    time.Second,
	}
}

func (sd SettleDelays) of(role Role) time.Duration {
	switch role {
	case RoleRelay:
		return sd.Relay
	case RoleReceiveFile:
		return sd.ReceiveFile
	case RoleReceive:
		return sd.Receive
	case RoleSend:
		return sd.Send
	case RoleSendDir:
		return sd.SendDir
	case RoleThrottle:
		return sd.Throttle
	default:
		return 0
	}
}

// NetworkCfg is the diode network configuration.
type NetworkCfg struct {
	// BinDir is the directory containing the diode binaries.
	BinDir string `json:"bin_dir"`
	// Binaries overrides the path of the binary implementing a role.
	Binaries map[Role]string `json:"binaries,omitempty"`
	// ThrottleBinary is the executable providing the throttlefs
	// sub-command, the running executable if empty.
	ThrottleBinary string `json:"throttle_binary,omitempty"`

	// Knobs are the transport tuning knobs.
	Knobs Knobs `json:"knobs"`
	// Faults is the fault schedule applied by the relay.
	Faults FaultSchedule `json:"faults"`
	// Ports are the fixed topology endpoints.
	Ports Ports `json:"ports"`
	// Topology is the start order of the roles.
	Topology Topology `json:"-"`

	// Quiet discards the standard streams of the processes.
	Quiet bool `json:"quiet"`
	// LogLevel is the level of the diode process logs.
	LogLevel string `json:"log_level"`

	// Readiness selects how process readiness is established.
	Readiness ReadinessMode `json:"readiness"`
	// Settle are the per role settle delays.
	Settle SettleDelays `json:"settle"`

	// SendBufferSize is the buffer size of the file-ingest client.
	SendBufferSize int `json:"send_buffer_size"`
	// SendTimeout bounds a synchronous send.
	SendTimeout time.Duration `json:"send_timeout"`
	// SendDirMaximumDelay is the directory watcher batching delay.
	SendDirMaximumDelay time.Duration `json:"send_dir_maximum_delay"`

	// ReceiverRestartGrace is slept between stopping and starting
	// diode-receive, so its UDP port can be bound again.
	ReceiverRestartGrace time.Duration `json:"receiver_restart_grace"`
	// InFlightDelay is slept after starting a background send, before
	// disrupting it.
	InFlightDelay time.Duration `json:"in_flight_delay"`

	// ThrottleStopGrace is how long the throttle gets to unmount itself.
	ThrottleStopGrace time.Duration `json:"throttle_stop_grace"`
	// ThrottleReleaseDelay is slept after the throttle stopped, for the
	// mount to be fully released.
	ThrottleReleaseDelay time.Duration `json:"throttle_release_delay"`

	// PollInterval is the completion oracle polling interval.
	PollInterval time.Duration `json:"poll_interval"`

	// LogWatcherHandlerFactories are the handlers attached to every diode
	// process log. LogAssertNoPanics is used if empty.
	LogWatcherHandlerFactories     []log.WatcherHandlerFactory          `json:"-"`
	// RoleLogWatcherHandlerFactories are extra handlers attached to the log
	// of a single role.
	RoleLogWatcherHandlerFactories map[Role][]log.WatcherHandlerFactory `json:"-"`
}

func (cfg *NetworkCfg) applyDefaults() {
	def := DefaultNetworkCfg()
	if cfg.Ports == (Ports{}) {
		cfg.Ports = def.Ports
	}
	if cfg.Topology == nil {
		cfg.Topology = def.Topology
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Readiness == "" {
		cfg.Readiness = def.Readiness
	}
	if cfg.Settle == (SettleDelays{}) {
		cfg.Settle = def.Settle
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.SendDirMaximumDelay <= 0 {
		cfg.SendDirMaximumDelay = def.SendDirMaximumDelay
	}
	if cfg.ReceiverRestartGrace <= 0 {
		cfg.ReceiverRestartGrace = def.ReceiverRestartGrace
	}
	if cfg.InFlightDelay <= 0 {
		cfg.InFlightDelay = def.InFlightDelay
	}
	if cfg.ThrottleStopGrace <= 0 {
		cfg.ThrottleStopGrace = def.ThrottleStopGrace
	}
	if cfg.ThrottleReleaseDelay <= 0 {
		cfg.ThrottleReleaseDelay = def.ThrottleReleaseDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.LogWatcherHandlerFactories) == 0 {
		cfg.LogWatcherHandlerFactories = def.LogWatcherHandlerFactories
	}
	if cfg.RoleLogWatcherHandlerFactories == nil {
		cfg.RoleLogWatcherHandlerFactories = def.RoleLogWatcherHandlerFactories
	}
}

// DefaultNetworkCfg returns the default network configuration.
func DefaultNetworkCfg() NetworkCfg {
	return NetworkCfg{
		BinDir:                     "./target/release",
		Ports:                      DefaultPorts(),
		Topology:                   DefaultTopology(),
		LogLevel:                   "debug",
		Readiness:                  ReadinessSettle,
		Settle:                     DefaultSettleDelays(),
		SendBufferSize:             8192,
		SendTimeout:                60 * time.Second,
		SendDirMaximumDelay:        200 * time.Millisecond,
		ReceiverRestartGrace:       5 * time.Second,
		InFlightDelay:              3 * time.Second,
		ThrottleStopGrace:          5 * time.Second,
		ThrottleReleaseDelay:       time.Second,
		PollInterval:               DefaultPollInterval,
		LogWatcherHandlerFactories: []log.WatcherHandlerFactory{LogAssertNoPanics()},
		RoleLogWatcherHandlerFactories: map[Role][]log.WatcherHandlerFactory{
			RoleSend: {
				LogAssertNoStartupFailures(),
			},
			RoleReceive: {
				LogAssertNoStartupFailures(),
				LogAssertParametersMatch(),
			},
		},
	}
}

// Network is the context of one scenario: its directories, the payloads it
// created and the processes it runs.
type Network struct {
	sync.Mutex

	logger *logging.Logger

	env   *env.Env
	cfg   *NetworkCfg
	knobs ResolvedKnobs

	sendDir    *env.Dir
	receiveDir *env.Dir
	logsDir    *env.Dir
	configDir  *env.Dir
	stagingDir *env.Dir
	shadowDir  *env.Dir

	throttle *Throttle
	oracle   *Oracle

	files     map[string]*FileRecord
	fileOrder []string
	counter   int

	processes   map[Role]*ManagedProcess
	numClients  int
	configPaths map[Role]string
	logConfigs  map[Role]string
	logWatchers map[Role]*log.Watcher

	entropy        io.Reader
	relayStartedAt time.Time

	errCh chan error
}

// Config returns the network configuration.
func (net *Network) Config() *NetworkCfg {
	return net.cfg
}

// Knobs returns the resolved transport knobs.
func (net *Network) Knobs() ResolvedKnobs {
	return net.knobs
}

// Env returns the environment the network lives in.
func (net *Network) Env() *env.Env {
	return net.env
}

// SendDir returns the directory files are sent from.
func (net *Network) SendDir() string {
	return net.sendDir.String()
}

// ReceiveDir returns the directory files arrive in.
func (net *Network) ReceiveDir() string {
	return net.receiveDir.String()
}

// LogsDir returns the directory of the diode process logs.
func (net *Network) LogsDir() string {
	return net.logsDir.String()
}

// ConfigDir returns the directory of the configuration artifacts.
func (net *Network) ConfigDir() string {
	return net.configDir.String()
}

// Errors returns the channel reporting processes exiting on their own.
func (net *Network) Errors() <-chan error {
	return net.errCh
}

// RelayStartedAt returns when the relay was spawned. The fault offsets count
// from that instant.
func (net *Network) RelayStartedAt() (time.Time, bool) {
	net.Lock()
	defer net.Unlock()
	return net.relayStartedAt, !net.relayStartedAt.IsZero()
}

// Process returns the process of role, or nil.
func (net *Network) Process(role Role) *ManagedProcess {
	net.Lock()
	defer net.Unlock()
	return net.processes[role]
}

// Throttle returns the throttle, or nil when reads are not throttled.
func (net *Network) Throttle() *Throttle {
	net.Lock()
	defer net.Unlock()
	return net.throttle
}

// Start starts every role of the topology, in order. Optional roles are
// only started when needed.
func (net *Network) Start(ctx context.Context) error {
	net.logger.Info("starting diode",
		"mtu", net.knobs.MTU,
		"encoding_block_size", net.knobs.EncodingBlockSize,
		"repair_block_size", net.knobs.RepairBlockSize,
		"faults", net.cfg.Faults.Active(),
	)

	for _, node := range net.cfg.Topology {
		if node.Optional && !net.autoStart(node.Role) {
			continue
		}
		if err := net.StartRole(ctx, node.Role); err != nil {
			return err
		}
	}
	return nil
}

// autoStart returns true iff an optional role is started along with the
// topology.
func (net *Network) autoStart(role Role) bool {
	switch role {
	case RoleRelay:
		return net.cfg.Faults.Active()
	default:
		return false
	}
}

// StartRole starts a single role. All of its required dependencies must be
// running.
func (net *Network) StartRole(ctx context.Context, role Role) error {
	node, ok := net.cfg.Topology.Lookup(role)
	if !ok {
		return usageErrorf("role %s is not part of the topology", role)
	}
	for _, dep := range node.DependsOn {
		depNode, _ := net.cfg.Topology.Lookup(dep)
		if depNode.Optional && !net.autoStart(dep) {
			continue
		}
		if !net.Process(dep).Running() {
			return usageErrorf("cannot start %s: %s is not running", role, dep)
		}
	}
	if net.Process(role).Running() {
		return usageErrorf("%s is already running", role)
	}

	switch role {
	case RoleRelay:
		return net.startRelay(ctx)
	case RoleReceiveFile:
		return net.startReceiveFile(ctx)
	case RoleReceive:
		return net.startReceive(ctx)
	case RoleSend:
		return net.startSend(ctx)
	case RoleSendDir:
		return net.startSendDir(ctx)
	default:
		return usageErrorf("role %s cannot be started", role)
	}
}

func (net *Network) startReceiveFile(ctx context.Context) error {
	logConfig, err := net.logConfig(RoleReceiveFile)
	if err != nil {
		return err
	}
	args := newArgBuilder().
		bindTCP(net.cfg.Ports.ReceiveFileBindTCP).
		logConfig(logConfig).
		appendPositional(net.ReceiveDir())
	return net.startDaemon(ctx, RoleReceiveFile, args.build(), net.cfg.Ports.ReceiveFileBindTCP)
}

func (net *Network) startReceive(ctx context.Context) error {
	cfgPath, err := net.transportConfig(RoleReceive)
	if err != nil {
		return err
	}
	args := newArgBuilder().config(cfgPath)
	return net.startDaemon(ctx, RoleReceive, args.build(), "")
}

func (net *Network) startSend(ctx context.Context) error {
	cfgPath, err := net.transportConfig(RoleSend)
	if err != nil {
		return err
	}
	args := newArgBuilder().config(cfgPath)
	return net.startDaemon(ctx, RoleSend, args.build(), net.cfg.Ports.SenderBindTCP)
}

func (net *Network) startSendDir(ctx context.Context) error {
	logConfig, err := net.logConfig(RoleSendDir)
	if err != nil {
		return err
	}
	args := newArgBuilder().
		logConfig(logConfig).
		maximumDelay(net.cfg.SendDirMaximumDelay).
		toTCP(net.cfg.Ports.SenderBindTCP).
		appendPositional(net.SendDir())
	return net.startDaemon(ctx, RoleSendDir, args.build(), "")
}

// startDaemon spawns a long running role and waits for it to be ready.
func (net *Network) startDaemon(ctx context.Context, role Role, args []string, probeAddr string) error {
	proc, err := Spawn(net.env, net.logger, role.String(), net.binary(role), args, net.streamPolicy())
	if err != nil {
		return err
	}
	net.Lock()
	net.processes[role] = proc
	if role == RoleRelay {
		net.relayStartedAt = time.Now()
	}
	net.Unlock()

	// A startup failure is returned, not reported on the error channel.
	if err = proc.AwaitReady(ctx, net.readiness(role, probeAddr)); err != nil {
		net.logger.Error("process failed to start",
			"role", role,
			"err", err,
		)
		proc.Terminate()
		return err
	}
	net.forwardErrors(proc)

	switch role {
	case RoleSend, RoleReceive:
		proc.RaisePriority(HighPriority)
	}

	return net.addLogWatcher(role)
}

func (net *Network) forwardErrors(proc *ManagedProcess) {
	go func() {
		err, ok := <-proc.Errors()
		if !ok {
			return
		}
		net.logger.Error("process exited unexpectedly",
			"process", proc.Name(),
			"err", err,
		)
		select {
		case net.errCh <- fmt.Errorf("diode: %s: %w", proc.Name(), err):
		default:
		}
	}()
}

func (net *Network) binary(role Role) string {
	if bin, ok := net.cfg.Binaries[role]; ok && bin != "" {
		return bin
	}
	return filepath.Join(net.cfg.BinDir, role.String())
}

func (net *Network) streamPolicy() StreamPolicy {
	if net.cfg.Quiet {
		return StreamDiscard
	}
	return StreamCapture
}

func (net *Network) readiness(role Role, probeAddr string) ReadinessPolicy {
	return ReadinessPolicy{
		Settle:    net.cfg.Settle.of(role),
		Mode:      net.cfg.Readiness,
		ProbeAddr: probeAddr,
	}
}

// transportConfig writes the transport configuration of role on first use
// and returns its path. The file is never rewritten afterwards.
func (net *Network) transportConfig(role Role) (string, error) {
	net.Lock()
	path, ok := net.configPaths[role]
	net.Unlock()
	if ok {
		return path, nil
	}

	logConfig, err := net.logConfig(role)
	if err != nil {
		return "", err
	}
	cfg, err := SynthesizeConfig(role, net.knobs, net.cfg.Ports, net.cfg.Faults.Active(), logConfig)
	if err != nil {
		return "", err
	}
	if path, err = WriteConfig(net.ConfigDir(), role, cfg); err != nil {
		return "", err
	}

	net.Lock()
	net.configPaths[role] = path
	net.Unlock()
	return path, nil
}

// logConfig writes the log configuration of role on first use and returns
// its path.
func (net *Network) logConfig(role Role) (string, error) {
	net.Lock()
	defer net.Unlock()

	if path, ok := net.logConfigs[role]; ok {
		return path, nil
	}
	path, err := WriteLogConfig(net.ConfigDir(), role, LogPath(net.LogsDir(), role), net.cfg.LogLevel)
	if err != nil {
		return "", err
	}
	net.logConfigs[role] = path
	return path, nil
}

// addLogWatcher starts watching the log of role, once per role.
func (net *Network) addLogWatcher(role Role) error {
	net.Lock()
	defer net.Unlock()

	if _, ok := net.logWatchers[role]; ok {
		return nil
	}

	var handlers []log.WatcherHandler
	factories := append([]log.WatcherHandlerFactory{}, net.cfg.LogWatcherHandlerFactories...)
	factories = append(factories, net.cfg.RoleLogWatcherHandlerFactories[role]...)
	for _, fac := range factories {
		h, err := fac.New()
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}
	w, err := log.NewWatcher(&log.WatcherConfig{
		Name:     fmt.Sprintf("%s/log", role),
		File:     LogPath(net.LogsDir(), role),
		Handlers: handlers,
	})
	if err != nil {
		return err
	}
	net.env.AddOnCleanup(w.Cleanup)
	net.logWatchers[role] = w
	return nil
}

// CheckLogWatchers closes all log watchers and checks if any errors were
// reported while the log watchers were running.
func (net *Network) CheckLogWatchers() error {
	net.Lock()
	watchers := make([]*log.Watcher, 0, len(net.logWatchers))
	for _, w := range net.logWatchers {
		watchers = append(watchers, w)
	}
	net.Unlock()

	var result *multierror.Error
	for _, w := range watchers {
		_ = w.Cleanup()
		if logErr := <-w.Errors(); logErr != nil {
			net.logger.Error("log watcher reported error",
				"name", w.Name(),
				"err", logErr,
			)
			result = multierror.Append(result, fmt.Errorf("log watcher %s: %w", w.Name(), logErr))
		}
	}
	return result.ErrorOrNil()
}

// RestartReceiver kills diode-receive, waits for its port to be released
// and starts it again.
func (net *Network) RestartReceiver(ctx context.Context) error {
	return net.restart(ctx, RoleReceive, net.cfg.ReceiverRestartGrace)
}

// RestartSender kills diode-send and starts it again.
func (net *Network) RestartSender(ctx context.Context) error {
	return net.restart(ctx, RoleSend, 0)
}

func (net *Network) restart(ctx context.Context, role Role, grace time.Duration) error {
	proc := net.Process(role)
	if !proc.Running() {
		return usageErrorf("cannot restart %s: not running", role)
	}

	net.logger.Info("restarting process",
		"role", role,
		"grace", grace,
	)
	proc.Terminate()
	metrics.ProcessRestarts.WithLabelValues(role.String()).Inc()

	if grace > 0 {
		select {
		case <-time.After(grace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return net.StartRole(ctx, role)
}

// cleanup is run by the environment once every process was terminated.
func (net *Network) cleanup() error {
	var result *multierror.Error

	if err := net.Throttle().Unmount(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, d := range []*env.Dir{net.sendDir, net.receiveDir, net.stagingDir, net.shadowDir} {
		if d == nil {
			continue
		}
		if err := d.Cleanup(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// New creates a new diode network in the given environment.
func New(e *env.Env, cfg *NetworkCfg) (*Network, error) {
	cfg.applyDefaults()
	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Faults.Validate(); err != nil {
		return nil, err
	}

	net := &Network{
		logger:      logging.GetLogger("diode/network"),
		env:         e,
		cfg:         cfg,
		knobs:       cfg.Knobs.Resolve(),
		files:       make(map[string]*FileRecord),
		processes:   make(map[Role]*ManagedProcess),
		configPaths: make(map[Role]string),
		logConfigs:  make(map[Role]string),
		logWatchers: make(map[Role]*log.Watcher),
		entropy:     rand.Reader,
		errCh:       make(chan error, errChSize),
	}

	var err error
	for _, v := range []struct {
		dir  **env.Dir
		name string
	}{
		{&net.sendDir, sendDirName},
		{&net.receiveDir, receiveDirName},
		{&net.logsDir, logsDirName},
		{&net.configDir, configDirName},
		{&net.stagingDir, stagingDirName},
	} {
		if *v.dir, err = e.NewSubDir(v.name); err != nil {
			return nil, fmt.Errorf("diode: failed to create %s directory: %w", v.name, err)
		}
	}

	net.oracle = NewOracle(net.ReceiveDir(), cfg.PollInterval)
	e.AddOnCleanup(net.cleanup)

	if net.cfg.ThrottleBinary == "" {
		if net.cfg.ThrottleBinary, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("diode: failed to locate throttle binary: %w", err)
		}
	}

	return net, nil
}
