package env

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	dir := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Mkdir(dir, 0o700))
	return New(NewDir(dir, false))
}

func startSleep(t *testing.T, seconds string) *exec.Cmd {
	cmd := exec.Command("sleep", seconds)
	cmd.SysProcAttr = CmdAttrs()
	require.NoError(t, cmd.Start(), "start sleep")
	return cmd
}

func TestCleanupOrder(t *testing.T) {
	require := require.New(t)

	root := newTestEnv(t)
	child, err := root.NewChild("child", &ScenarioInstanceInfo{Scenario: "diode/basic", Run: 1})
	require.NoError(err, "NewChild")

	var order []string
	root.AddOnCleanup(func() error {
		order = append(order, "root")
		return nil
	})
	child.AddOnCleanup(func() error {
		order = append(order, "child-first")
		return nil
	})
	child.AddOnCleanup(func() error {
		order = append(order, "child-second")
		return nil
	})

	m := child.AddTermOnCleanup(startSleep(t, "60"), 0)
	child.AddOnCleanup(func() error {
		require.True(m.Exited(), "processes must be gone before hooks run")
		return nil
	})

	rootDir := root.Dir()
	require.NoError(root.Cleanup())
	require.Equal([]string{"child-second", "child-first", "root"}, order)
	require.NoDirExists(rootDir, "root directory must be removed")

	require.NoError(root.Cleanup(), "second cleanup is a no-op")
	require.Len(order, 3)
}

func TestCleanupAggregatesErrors(t *testing.T) {
	require := require.New(t)

	root := newTestEnv(t)
	root.AddOnCleanup(func() error { return os.ErrClosed })
	root.AddOnCleanup(func() error { return os.ErrPermission })

	err := root.Cleanup()
	require.Error(err)
	require.ErrorIs(err, os.ErrClosed)
	require.ErrorIs(err, os.ErrPermission)
}

func TestCmdMonitorEarlyTerm(t *testing.T) {
	require := require.New(t)

	root := newTestEnv(t)
	defer root.Cleanup() // nolint: errcheck

	cmd := exec.Command("sh", "-c", "exit 3")
	require.NoError(cmd.Start())
	m := root.AddTermOnCleanup(cmd, time.Second)

	select {
	case err := <-m.Errors():
		require.ErrorIs(err, ErrEarlyTerm)
	case <-time.After(10 * time.Second):
		t.Fatal("early termination not reported")
	}
	<-m.Done()
	require.Error(m.ExitErr(), "non-zero exit status")
}

func TestCmdMonitorTerminate(t *testing.T) {
	require := require.New(t)

	root := newTestEnv(t)
	defer root.Cleanup() // nolint: errcheck

	m := root.AddTermOnCleanup(startSleep(t, "60"), 0)
	m.Terminate(0)
	require.True(m.Exited())
	m.Terminate(0)

	_, ok := <-m.Errors()
	require.False(ok, "explicit termination is not an early exit")

	// Graceful termination of a process that honours SIGTERM.
	g := root.AddTermOnCleanup(startSleep(t, "60"), 0)
	start := time.Now()
	g.Terminate(5 * time.Second)
	require.Less(time.Since(start), 5*time.Second, "SIGTERM should be enough")
}

func TestWriteScenarioInfo(t *testing.T) {
	require := require.New(t)

	root := newTestEnv(t)
	defer root.Cleanup() // nolint: errcheck

	ps := NewParameterFlagSet("diode/sizes", 0)
	ps.String("size", "1KB", "")
	child, err := root.NewChild("diode-sizes", &ScenarioInstanceInfo{
		Scenario:     "diode/sizes",
		Instance:     "instance",
		ParameterSet: ps,
		Run:          0,
	})
	require.NoError(err)
	require.NoError(child.WriteScenarioInfo())

	b, err := os.ReadFile(filepath.Join(child.Dir(), "scenario_info.json"))
	require.NoError(err)
	var decoded map[string]interface{}
	require.NoError(json.Unmarshal(b, &decoded))
	require.Equal("diode/sizes", decoded["scenario"])
	require.Equal(map[string]interface{}{"size": "1KB"}, decoded["parameter_set"])
}

func TestParameterFlagSetClone(t *testing.T) {
	require := require.New(t)

	ps := NewParameterFlagSet("p", 0)
	ps.Int("count", 1, "")
	require.NoError(ps.Set("count", "5"))

	c := ps.Clone()
	require.NoError(c.Set("count", "7"))

	v, err := ps.GetInt("count")
	require.NoError(err)
	require.Equal(5, v, "clone must not share values")
	v, err = c.GetInt("count")
	require.NoError(err)
	require.Equal(7, v)
}
