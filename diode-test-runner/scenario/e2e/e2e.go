// Package e2e implements the diode end-to-end test scenarios.
package e2e

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/cmd"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/log"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	cfgBinDir       = "bin_dir"
	cfgQuiet        = "quiet"
	cfgLogLevel     = "log_level"
	cfgReadiness    = "readiness"
	cfgPollInterval = "poll_interval"
	cfgDeadline     = "deadline"

	defaultDeadline = 30 * time.Second
)

// DiodeParamsDummy is a dummy instance of Scenario used to register global
// diode/* flags.
var DiodeParamsDummy = NewScenario("")

// Scenario is a base class for tests involving the diode.
type Scenario struct {
	Net    *diode.Network
	Flags  *env.ParameterFlagSet
	Logger *logging.Logger

	name string
}

// NewScenario creates a new base scenario for diode end-to-end tests.
func NewScenario(name string) *Scenario {
	// Empty scenario name is used for registering global parameters only.
	fullName := "diode"
	if name != "" {
		fullName += "/" + name
	}

	sc := &Scenario{
		name:   fullName,
		Logger: logging.GetLogger("scenario/" + fullName),
		Flags:  env.NewParameterFlagSet(fullName, flag.ContinueOnError),
	}

	def := diode.DefaultNetworkCfg()
	sc.Flags.String(cfgBinDir, def.BinDir, "directory of the diode binaries")
	sc.Flags.Bool(cfgQuiet, false, "discard the output of the diode processes")
	sc.Flags.String(cfgLogLevel, def.LogLevel, "log level of the diode processes")
	sc.Flags.String(cfgReadiness, string(def.Readiness), "process readiness: settle or probe")
	sc.Flags.Duration(cfgPollInterval, def.PollInterval, "arrival polling interval")
	sc.Flags.Duration(cfgDeadline, defaultDeadline, "how long to wait for a file to arrive")

	return sc
}

// Clone returns a copy of the base scenario with its own parameter set.
func (sc *Scenario) Clone() Scenario {
	return Scenario{
		name:   sc.name,
		Logger: sc.Logger,
		Flags:  sc.Flags.Clone(),
	}
}

// Name returns the name of the scenario.
func (sc *Scenario) Name() string {
	return sc.name
}

// Parameters returns the settable scenario parameters.
func (sc *Scenario) Parameters() *env.ParameterFlagSet {
	return sc.Flags
}

// PreInit performs initial scenario configuration.
func (sc *Scenario) PreInit(childEnv *env.Env) error {
	return nil
}

// Fixture returns the network fixture built from the common parameters.
func (sc *Scenario) Fixture() (*diode.NetworkFixture, error) {
	binDir, _ := sc.Flags.GetString(cfgBinDir)
	quiet, _ := sc.Flags.GetBool(cfgQuiet)
	logLevel, _ := sc.Flags.GetString(cfgLogLevel)
	readiness, _ := sc.Flags.GetString(cfgReadiness)
	pollInterval, _ := sc.Flags.GetDuration(cfgPollInterval)

	mode := diode.ReadinessMode(readiness)
	switch mode {
	case diode.ReadinessSettle, diode.ReadinessProbe:
	default:
		return nil, fmt.Errorf("%w: unknown readiness mode %q", diode.ErrUsage, readiness)
	}

	f := diode.NewDefaultFixture()
	f.Network.BinDir = binDir
	f.Network.Quiet = quiet
	f.Network.LogLevel = logLevel
	f.Network.Readiness = mode
	f.Network.PollInterval = pollInterval

	return f, nil
}

// addReceiveLogCheck attaches a handler to the diode-receive log.
func addReceiveLogCheck(f *diode.NetworkFixture, fac log.WatcherHandlerFactory) {
	checks := f.Network.RoleLogWatcherHandlerFactories
	if checks == nil {
		checks = make(map[diode.Role][]log.WatcherHandlerFactory)
		f.Network.RoleLogWatcherHandlerFactories = checks
	}
	checks[diode.RoleReceive] = append(checks[diode.RoleReceive], fac)
}

// Init stores the network the scenario runs on.
func (sc *Scenario) Init(childEnv *env.Env, net *diode.Network) error {
	if net == nil {
		return fmt.Errorf("%w: scenario %s needs a network", diode.ErrUsage, sc.name)
	}
	sc.Net = net
	return nil
}

// Deadline returns how long to wait for a file to arrive.
func (sc *Scenario) Deadline() time.Duration {
	deadline, _ := sc.Flags.GetDuration(cfgDeadline)
	return deadline
}

// Size returns the size parameter name as a number of bytes.
func (sc *Scenario) Size(name string) (int64, error) {
	s, err := sc.Flags.GetString(name)
	if err != nil {
		return 0, err
	}
	return diode.ParseSize(s)
}

// RegisterScenarios registers all end-to-end scenarios.
func RegisterScenarios() error {
	// Register non-scenario-specific parameters.
	cmd.RegisterScenarioParams(DiodeParamsDummy.Name(), DiodeParamsDummy.Parameters())

	// Register default scenarios which are executed, if no test names provided.
	for _, s := range []scenario.Scenario{
		// Single file transfer.
		Basic,
		Sizes,
		MultipleFiles,
		// Restarts during a transfer.
		ReceiverRestart,
		SenderRestart,
		// Impaired link.
		PacketLoss,
		NetworkOutage,
		// Tuning.
		Throttled,
		BlockSizes,
		// Directory watcher.
		SendDir,
		SendDirIgnore,
	} {
		if err := cmd.Register(s); err != nil {
			return err
		}
	}

	// Register non-default scenarios which are executed on-demand only.
	for _, s := range []scenario.Scenario{
		// Large transfer, slow.
		LargeFile,
		// Loss past the FEC headroom, slow.
		PacketLossExceeded,
	} {
		if err := cmd.RegisterNondefault(s); err != nil {
			return err
		}
	}

	return nil
}
