// Package cmd implements the commands for the diode-test-runner executable.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/common/metrics"
	"github.com/CrabeDeFrance/lidi/common/version"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/cmd/common"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	cfgConfigFile       = "config"
	cfgLogNoStdout      = "log.no_stdout"
	cfgNumRuns          = "num_runs"
	cfgParallelJobCount = "parallel.job_count"
	cfgParallelJobIndex = "parallel.job_index"

	envExcludeScenarios = "DIODE_EXCLUDE_E2E"
)

var (
	rootCmd = &cobra.Command{
		Use:     "diode-test-runner",
		Short:   "Diode end-to-end test runner",
		Version: version.SoftwareVersion,
		RunE:    runRoot,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered scenarios",
		Run:   runList,
	}

	cfgFile string
	numRuns int

	pusher      *push.Pusher
	metricsOnce sync.Once
)

// RootCmd returns the root command's structure that will be executed, so that
// it can be used to alter the configuration and flags of the command.
//
// Note: `Run` is pre-initialized to the main entry point of the test harness,
// and should likely be left un-altered.
func RootCmd() *cobra.Command {
	return rootCmd
}

// Execute spawns the main entry point after handing the config file.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Register adds a scenario to the runner and the default scenarios list.
func Register(s scenario.Scenario) error {
	if err := common.RegisterScenario(s, true); err != nil {
		return fmt.Errorf("Register: error registering scenario: %w", err)
	}

	RegisterScenarioParams(strings.ToLower(s.Name()), s.Parameters())

	return nil
}

// RegisterNondefault adds a scenario to the runner.
func RegisterNondefault(s scenario.Scenario) error {
	if err := common.RegisterScenario(s, false); err != nil {
		return fmt.Errorf("RegisterNondefault: error registering nondefault scenario: %w", err)
	}

	RegisterScenarioParams(strings.ToLower(s.Name()), s.Parameters())

	return nil
}

// RegisterScenarioParams registers parameters for a given scenario as string
// slices regardless of actual type.
//
// Later we combine specific parameter sets and execute scenarios with all
// parameter combinations.
func RegisterScenarioParams(name string, p *env.ParameterFlagSet) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	p.VisitAll(func(f *flag.Flag) {
		fs.StringSlice(common.ScenarioParamName(name, f.Name), []string{f.Value.String()}, f.Usage)
	})
	rootCmd.Flags().AddFlagSet(fs)
	_ = viper.BindPFlags(fs)
}

// parseScenarioParams parses --<scenario_name>.<key1>=<val1>,<val2>... flags
// combinations, clones provided proto-scenarios, and populates them so that
// each scenario instance has a unique parameter set.
// Returns a mapping: scenario name -> list of scenario instances.
func parseScenarioParams(toRun []scenario.Scenario) (map[string][]scenario.Scenario, error) {
	scListsToRun := make(map[string][]scenario.Scenario)
	for _, sc := range toRun {
		zippedParams := make(map[string][]string)
		sc.Parameters().VisitAll(func(f *flag.Flag) {
			// Default to parameter values that were registered as defaults for
			// this particular scenario and parameter combination.
			zippedParams[f.Name] = viper.GetStringSlice(common.ScenarioParamName(sc.Name(), f.Name))

			// Values set explicitly for the most specific (generalized)
			// scenario name win, e.g. diode/sizes over diode.
			for _, genName := range generalizedScenarioName(sc.Name()) {
				paramName := common.ScenarioParamName(genName, f.Name)
				if viper.IsSet(paramName) {
					zippedParams[f.Name] = viper.GetStringSlice(paramName)
					break
				}
			}
		})

		parameterSets := computeParamSets(zippedParams, map[string]string{})

		for _, paramSet := range parameterSets {
			sCloned := sc.Clone()
			for param, val := range paramSet {
				if err := sCloned.Parameters().Set(param, val); err != nil {
					return nil, fmt.Errorf("parseScenarioParams: error setting parameter %s of %s: %w", param, sc.Name(), err)
				}
			}
			scListsToRun[sc.Name()] = append(scListsToRun[sc.Name()], sCloned)
		}

		// Scenario has no parameters (incl. generalized ones) defined, keep
		// the scenario as is.
		if len(parameterSets) == 0 {
			scListsToRun[sc.Name()] = []scenario.Scenario{sc}
		}
	}

	return scListsToRun, nil
}

// generalizedScenarioName returns list of generalized scenario names from the
// full name to the most general name.
func generalizedScenarioName(name string) []string {
	dirs := strings.Split(name, "/")
	if len(dirs) == 1 {
		return []string{name}
	}
	subNames := generalizedScenarioName(strings.Join(dirs[0:len(dirs)-1], "/"))
	return append([]string{name}, subNames...)
}

// computeParamSets recursively combines a map of string slices into all
// possible key=>value parameter sets.
func computeParamSets(zp map[string][]string, ps map[string]string) []map[string]string {
	// Recursion stops when zp is empty. Append ps to result set.
	if len(zp) == 0 {
		if len(ps) == 0 {
			return []map[string]string{}
		}

		psCloned := map[string]string{}
		for k, v := range ps {
			psCloned[k] = v
		}
		return []map[string]string{psCloned}
	}

	rps := []map[string]string{}

	// Take first element from cloned zp and do recursion deterministically.
	var zpKeys []string
	for k := range zp {
		zpKeys = append(zpKeys, k)
	}
	sort.Strings(zpKeys)

	zpCloned := map[string][]string{}
	for _, k := range zpKeys[1:] {
		zpCloned[k] = zp[k]
	}
	// An empty string slice is not a valid value, use an empty string instead.
	if len(zp[zpKeys[0]]) == 0 {
		zp[zpKeys[0]] = []string{""}
	}
	for _, v := range zp[zpKeys[0]] {
		ps[zpKeys[0]] = v
		rps = append(rps, computeParamSets(zpCloned, ps)...)
	}

	return rps
}

// selectScenarios returns the scenarios matching any of the name regexes
// (all default scenarios if none is given) and none of the skip regexes,
// sorted by name.
func selectScenarios(nameRegexes, skipRegexes []string) ([]scenario.Scenario, error) {
	toRun := common.GetDefaultScenarios()
	if len(nameRegexes) > 0 {
		matched := make(map[scenario.Scenario]bool)
		for _, nameRegex := range nameRegexes {
			// The regex must match the whole scenario name, not a substring.
			re, err := regexp.Compile(fmt.Sprintf("^%s$", nameRegex))
			if err != nil {
				return nil, fmt.Errorf("root: bad scenario name regexp: %w", err)
			}

			var anyMatched bool
			for scName, sc := range common.GetScenarios() {
				if re.MatchString(scName) {
					matched[sc] = true
					anyMatched = true
				}
			}
			if !anyMatched {
				return nil, fmt.Errorf("root: no scenario matches regex: %s\nAvailable scenarios:\n%s",
					nameRegex, strings.Join(common.GetScenarioNames(), "\n"),
				)
			}
		}
		toRun = nil
		for sc := range matched {
			toRun = append(toRun, sc)
		}
	}

	if len(skipRegexes) > 0 {
		var skips []*regexp.Regexp
		for _, skipRegex := range skipRegexes {
			re, err := regexp.Compile(fmt.Sprintf("^%s$", skipRegex))
			if err != nil {
				return nil, fmt.Errorf("root: bad skip scenario regexp: %w", err)
			}
			skips = append(skips, re)
		}

		var newToRun []scenario.Scenario
	scenarios:
		for _, sc := range toRun {
			for _, re := range skips {
				if re.MatchString(sc.Name()) {
					continue scenarios
				}
			}
			newToRun = append(newToRun, sc)
		}
		toRun = newToRun
	}

	// Sort requested scenarios to enable consistent partitioning for parallel
	// job execution.
	sort.Slice(toRun, func(i, j int) bool { return toRun[i].Name() < toRun[j].Name() })

	return toRun, nil
}

func initRootEnv(cmd *cobra.Command) (*env.Env, error) {
	// Initialize the root dir.
	rootDir := env.GetRootDir()
	if err := rootDir.Init(cmd); err != nil {
		return nil, err
	}
	rootEnv := env.New(rootDir)

	var ok bool
	defer func() {
		if !ok {
			_ = rootEnv.Cleanup()
		}
	}()

	var logFmt logging.Format
	if err := logFmt.Set(viper.GetString(common.CfgLogFmt)); err != nil {
		return nil, fmt.Errorf("root: failed to set log format: %w", err)
	}

	var logLevel logging.Level
	if err := logLevel.Set(viper.GetString(common.CfgLogLevel)); err != nil {
		return nil, fmt.Errorf("root: failed to set log level: %w", err)
	}

	// Initialize logging.
	logFile := filepath.Join(rootEnv.Dir(), "test-runner.log")
	w, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("root: failed to open log file: %w", err)
	}
	rootEnv.AddOnCleanup(w.Close)

	var logWriter io.Writer = w
	if !viper.GetBool(cfgLogNoStdout) {
		logWriter = io.MultiWriter(os.Stdout, w)
	}
	if err := logging.Initialize(logWriter, logFmt, logLevel, nil); err != nil {
		return nil, fmt.Errorf("root: failed to initialize logging: %w", err)
	}

	ok = true
	return rootEnv, nil
}

func runRoot(cmd *cobra.Command, args []string) error { // nolint: gocyclo
	cmd.SilenceUsage = true

	if viper.IsSet(metrics.CfgMetricsAddr) {
		metricsOnce.Do(func() {
			prometheus.MustRegister(metrics.Collectors...)
		})
	}

	// Initialize the base dir, logging, etc.
	rootEnv, err := initRootEnv(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = rootEnv.Cleanup()
	}()
	logger := logging.GetLogger("test-runner")

	// Enumerate requested scenarios.
	toRun, err := selectScenarios(
		viper.GetStringSlice(common.CfgScenarioRegex),
		viper.GetStringSlice(common.CfgScenarioSkipRegex),
	)
	if err != nil {
		logger.Error("failed to select scenarios",
			"err", err,
		)
		return err
	}

	excludeMap := make(map[string]bool)
	if excludeEnv := os.Getenv(envExcludeScenarios); excludeEnv != "" {
		for _, v := range strings.Split(excludeEnv, ",") {
			excludeMap[strings.ToLower(v)] = true
		}
	}

	// Get parallel job execution parameters.
	parallelJobCount := viper.GetInt(cfgParallelJobCount)
	parallelJobIndex := viper.GetInt(cfgParallelJobIndex)
	if parallelJobIndex < 0 || parallelJobIndex >= parallelJobCount {
		return fmt.Errorf(
			"root: invalid value of %s flag: %d (should be in range [0, %d))",
			cfgParallelJobIndex, parallelJobIndex, parallelJobCount,
		)
	}

	// Expand the list of scenarios to run with the passed scenario parameters.
	toRunExploded, err := parseScenarioParams(toRun)
	if err != nil {
		return fmt.Errorf("root: failed to parse scenario parameters: %w", err)
	}

	// Run all requested scenarios, one at a time: the diode ports are fixed.
	index := 0
	for run := 0; run < numRuns; run++ {
		// Iterate through toRun instead of toRunExploded to preserve scenario
		// ordering.
		for _, sc := range toRun {
			name := sc.Name()
			scs := toRunExploded[name]
			for i, v := range scs {
				// If number of runs is greater than 1 or if there are multiple
				// parameter sets for a scenario, maintain unique scenario
				// datadir by appending unique run ID.
				n := name
				runID := run*len(scs) + i
				if numRuns > 1 || len(scs) > 1 {
					n = fmt.Sprintf("%s/%d", n, runID)
				}

				if index%parallelJobCount != parallelJobIndex {
					logger.Info("skipping scenario (assigned to different parallel job)",
						"scenario", name, "run_id", runID,
					)
					index++
					continue
				}

				if excludeMap[strings.ToLower(v.Name())] {
					logger.Info("skipping scenario (excluded by environment)",
						"scenario", name, "run_id", runID,
					)
					index++
					continue
				}

				logger.Info("running scenario",
					"scenario", name, "run_id", runID,
				)

				childEnv, err := rootEnv.NewChild(n, &env.ScenarioInstanceInfo{
					Scenario:     v.Name(),
					Instance:     filepath.Base(rootEnv.Dir()),
					ParameterSet: v.Parameters(),
					Run:          run,
				})
				if err != nil {
					logger.Error("failed to setup child environment",
						"err", err, "scenario", name, "run_id", runID,
					)
					return fmt.Errorf("root: failed to setup child environment: %w", err)
				}

				// Dump current parameter set to file.
				if err = childEnv.WriteScenarioInfo(); err != nil {
					return err
				}

				// Init per-run prometheus pusher, if metrics are enabled.
				if viper.IsSet(metrics.CfgMetricsAddr) {
					pusher = push.New(viper.GetString(metrics.CfgMetricsAddr), metrics.MetricsJobTestRunner)
					labels := metrics.GetDefaultPushLabels(childEnv.ScenarioInfo(), viper.GetStringMapString(metrics.CfgMetricsLabels))
					for k, lv := range labels {
						pusher = pusher.Grouping(k, lv)
					}
					pusher = pusher.Gatherer(prometheus.DefaultGatherer)
				}

				if err = doScenario(childEnv, v); err != nil {
					logger.Error("failed to run scenario",
						"err", err,
						"scenario", name,
						"run_id", runID,
					)
					err = fmt.Errorf("root: failed to run scenario: %w", err)
				}

				if cleanErr := doCleanup(childEnv); cleanErr != nil {
					logger.Error("failed to clean up child environment",
						"err", cleanErr,
						"scenario", name,
						"run_id", runID,
					)
					if err == nil {
						err = fmt.Errorf("root: failed to clean up child environment: %w", cleanErr)
					}
				}

				if err != nil {
					return err
				}

				logger.Info("passed scenario",
					"scenario", name, "run_id", runID,
				)

				index++
			}
		}
	}

	return nil
}

// checkNetwork returns the errors reported by the network while the
// scenario ran: processes that exited on their own and log assertions.
func checkNetwork(net *diode.Network) error {
	var result *multierror.Error
drain:
	for {
		select {
		case err := <-net.Errors():
			result = multierror.Append(result, err)
		default:
			break drain
		}
	}
	if err := net.CheckLogWatchers(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func pushMetrics(up float64) error {
	if pusher == nil {
		return nil
	}
	metrics.UpGauge.Set(up)
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("root: failed to push metrics: %w", err)
	}
	return nil
}

func doScenario(childEnv *env.Env, sc scenario.Scenario) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("root: panic caught running scenario: %v: %s", r, debug.Stack())
		}
	}()

	if err = sc.PreInit(childEnv); err != nil {
		err = fmt.Errorf("root: failed to pre-initialize scenario: %w", err)
		return
	}

	var fixture *diode.NetworkFixture
	if fixture, err = sc.Fixture(); err != nil {
		err = fmt.Errorf("root: failed to initialize network fixture: %w", err)
		return
	}

	// Instantiate fixture if it is non-nil. Otherwise assume Init will do
	// something on its own.
	var net *diode.Network
	if fixture != nil {
		if net, err = fixture.Create(childEnv); err != nil {
			err = fmt.Errorf("root: failed to instantiate fixture: %w", err)
			return
		}
	}

	if err = sc.Init(childEnv, net); err != nil {
		err = fmt.Errorf("root: failed to initialize scenario: %w", err)
		return
	}

	if err = pushMetrics(1.0); err != nil {
		return
	}

	if err = sc.Run(childEnv); err != nil {
		err = fmt.Errorf("root: failed to run scenario: %w", err)
		return
	}

	if net != nil {
		if err = checkNetwork(net); err != nil {
			err = fmt.Errorf("root: scenario network reported errors: %w", err)
			return
		}
	}

	err = pushMetrics(0.0)
	return
}

func doCleanup(childEnv *env.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("root: panic caught cleaning up scenario: %v, %s", r, debug.Stack())
		}
	}()

	return childEnv.Cleanup()
}

func runList(cmd *cobra.Command, args []string) {
	scNames := common.GetScenarioNames()
	switch len(scNames) {
	case 0:
		fmt.Printf("No scenarios are available.\n")
	default:
		fmt.Printf("Available scenarios:\n")

		for _, name := range scNames {
			fmt.Printf("  * %v", name)
			var intro bool
			common.GetScenarios()[name].Parameters().VisitAll(func(f *flag.Flag) {
				if !intro {
					fmt.Printf(" (parameters:")
					intro = true
				}
				fmt.Printf(" %v", f.Name)
			})
			if intro {
				fmt.Printf(")")
			}
			fmt.Printf("\n")
		}
	}
}

func init() {
	rootCmd.SetVersionTemplate("Software version: {{.Version}}\n")

	logFmt := logging.FmtLogfmt
	logLevel := logging.LevelInfo

	// Register persistent flags.
	persistentFlags := flag.NewFlagSet("", flag.ContinueOnError)
	persistentFlags.Var(&logFmt, common.CfgLogFmt, "log format")
	persistentFlags.Var(&logLevel, common.CfgLogLevel, "log level")
	persistentFlags.StringSliceP(
		common.CfgScenarioRegex,
		common.CfgScenarioRegexShort,
		nil,
		"regexp patterns matching names of scenarios",
	)
	persistentFlags.StringSlice(
		common.CfgScenarioSkipRegex,
		nil,
		"regexp patterns matching names of scenarios to skip",
	)
	persistentFlags.String(metrics.CfgMetricsAddr, "", "Prometheus push gateway address")
	persistentFlags.StringToString(
		metrics.CfgMetricsLabels,
		map[string]string{},
		"override Prometheus labels",
	)
	_ = viper.BindPFlags(persistentFlags)
	rootCmd.PersistentFlags().AddFlagSet(persistentFlags)

	// Register flags.
	rootFlags := flag.NewFlagSet("", flag.ContinueOnError)
	rootFlags.StringVar(&cfgFile, cfgConfigFile, "", "config file")
	rootFlags.Bool(cfgLogNoStdout, false, "do not multiplex logs to stdout")
	rootFlags.IntVarP(&numRuns, cfgNumRuns, "n", 1, "number of runs for given scenario(s)")
	rootFlags.Int(cfgParallelJobCount, 1, "(for CI) number of overall parallel jobs")
	rootFlags.Int(cfgParallelJobIndex, 0, "(for CI) index of this parallel job")
	_ = viper.BindPFlags(rootFlags)
	rootCmd.Flags().AddFlagSet(rootFlags)
	rootCmd.Flags().AddFlagSet(env.Flags)
	rootCmd.AddCommand(listCmd)

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to read config file %s: %v\n", cfgFile, err)
				os.Exit(1)
			}
		}
	})
}
