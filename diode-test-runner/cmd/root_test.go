package cmd

import (
	"sync"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

type testScenario struct {
	name  string
	flags *env.ParameterFlagSet
}

func (sc *testScenario) Clone() scenario.Scenario {
	return &testScenario{name: sc.name, flags: sc.flags.Clone()}
}

func (sc *testScenario) Name() string { return sc.name }
func (sc *testScenario) Parameters() *env.ParameterFlagSet { return sc.flags }
func (sc *testScenario) PreInit(*env.Env) error { return nil }
func (sc *testScenario) Fixture() (*diode.NetworkFixture, error) { return nil, nil }
func (sc *testScenario) Init(*env.Env, *diode.Network) error { return nil }
func (sc *testScenario) Run(*env.Env) error { return nil }

func newTestScenario(name string, params map[string]string) *testScenario {
	sc := &testScenario{
		name:  name,
		flags: env.NewParameterFlagSet(name, flag.ContinueOnError),
	}
	for k, v := range params {
		sc.flags.String(k, v, "test parameter")
	}
	return sc
}

var registerOnce sync.Once

func registerTestScenarios(t *testing.T) {
	registerOnce.Do(func() {
		require.NoError(t, Register(newTestScenario("cmdtest/alpha", map[string]string{"size": "1KB"})))
		require.NoError(t, Register(newTestScenario("cmdtest/beta", nil)))
		require.NoError(t, Register(newTestScenario("cmdtest/gamma/delta", nil)))
		require.NoError(t, RegisterNondefault(newTestScenario("cmdtest/manual", nil)))
	})
}

func scenarioNames(scs []scenario.Scenario) []string {
	names := make([]string, 0, len(scs))
	for _, sc := range scs {
		names = append(names, sc.Name())
	}
	return names
}

func TestComputeParamSets(t *testing.T) {
	var zippedParams map[string][]string
	var expectedParamSets []map[string]string

	// Empty set.
	zippedParams = map[string][]string{}
	expectedParamSets = []map[string]string{}
	require.Equal(t, expectedParamSets, computeParamSets(zippedParams, map[string]string{}))

	// Single element, multiple parameters.
	zippedParams = map[string][]string{
		"size":      {"1KB"},
		"count":     {"3"},
		"mtu":       {"1500"},
		"loss_rate": {"0.01"},
	}
	expectedParamSets = []map[string]string{
		{"size": "1KB", "count": "3", "mtu": "1500", "loss_rate": "0.01"},
	}
	require.Equal(t, expectedParamSets, computeParamSets(zippedParams, map[string]string{}))

	// Single element, empty string slice.
	zippedParams = map[string][]string{
		"size":  {"1KB"},
		"count": {},
	}
	expectedParamSets = []map[string]string{
		{"size": "1KB", "count": ""},
	}
	require.Equal(t, expectedParamSets, computeParamSets(zippedParams, map[string]string{}))

	// Combinations of two elements, ordered by parameter name.
	zippedParams = map[string][]string{
		"size":  {"1KB", "1MB", "1GB"},
		"count": {"1", "2"},
	}
	expectedParamSets = []map[string]string{
		{"count": "1", "size": "1KB"},
		{"count": "1", "size": "1MB"},
		{"count": "1", "size": "1GB"},
		{"count": "2", "size": "1KB"},
		{"count": "2", "size": "1MB"},
		{"count": "2", "size": "1GB"},
	}
	require.Equal(t, expectedParamSets, computeParamSets(zippedParams, map[string]string{}))
}

func TestGeneralizedScenarioName(t *testing.T) {
	require.Equal(t,
		[]string{"diode/sizes/big", "diode/sizes", "diode"},
		generalizedScenarioName("diode/sizes/big"),
	)
	require.Equal(t, []string{"diode"}, generalizedScenarioName("diode"))
	require.Equal(t, []string{""}, generalizedScenarioName(""))
}

func TestSelectScenarios(t *testing.T) {
	registerTestScenarios(t)

	toRun, err := selectScenarios([]string{"cmdtest/.*"}, nil)
	require.NoError(t, err)
	require.Equal(t,
		[]string{"cmdtest/alpha", "cmdtest/beta", "cmdtest/gamma/delta", "cmdtest/manual"},
		scenarioNames(toRun),
	)

	// Overlapping name regexes select a scenario once.
	toRun, err = selectScenarios([]string{"cmdtest/alpha", "cmdtest/a.*"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"cmdtest/alpha"}, scenarioNames(toRun))

	// Overlapping skip regexes must not duplicate the remaining scenarios.
	toRun, err = selectScenarios([]string{"cmdtest/.*"}, []string{"cmdtest/beta", "cmdtest/gamma/.*", "cmdtest/.*a"})
	require.NoError(t, err)
	require.Equal(t, []string{"cmdtest/manual"}, scenarioNames(toRun))

	// Regexes are anchored.
	_, err = selectScenarios([]string{"alpha"}, nil)
	require.Error(t, err)

	_, err = selectScenarios([]string{"cmdtest/("}, nil)
	require.Error(t, err)

	_, err = selectScenarios([]string{"cmdtest/.*"}, []string{"("})
	require.Error(t, err)

	// Nondefault scenarios only run when selected by name.
	toRun, err = selectScenarios(nil, nil)
	require.NoError(t, err)
	require.NotContains(t, scenarioNames(toRun), "cmdtest/manual")
	require.Contains(t, scenarioNames(toRun), "cmdtest/alpha")
}

func TestParseScenarioParams(t *testing.T) {
	registerTestScenarios(t)

	toRun, err := selectScenarios([]string{"cmdtest/alpha", "cmdtest/beta"}, nil)
	require.NoError(t, err)

	// Registered defaults.
	exploded, err := parseScenarioParams(toRun)
	require.NoError(t, err)
	require.Len(t, exploded["cmdtest/alpha"], 1)
	require.Len(t, exploded["cmdtest/beta"], 1)
	size, err := exploded["cmdtest/alpha"][0].Parameters().GetString("size")
	require.NoError(t, err)
	require.Equal(t, "1KB", size)

	// Values set on a generalized name apply to every scenario below it.
	viper.Set("cmdtest.size", []string{"1MB", "2MB"})
	defer viper.Set("cmdtest.size", nil)

	exploded, err = parseScenarioParams(toRun)
	require.NoError(t, err)
	require.Len(t, exploded["cmdtest/alpha"], 2)
	var sizes []string
	for _, sc := range exploded["cmdtest/alpha"] {
		v, err := sc.Parameters().GetString("size")
		require.NoError(t, err)
		sizes = append(sizes, v)
	}
	require.Equal(t, []string{"1MB", "2MB"}, sizes)

	// The prototype is left untouched.
	size, err = toRun[0].Parameters().GetString("size")
	require.NoError(t, err)
	require.Equal(t, "1KB", size)
}
