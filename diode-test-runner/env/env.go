// Package env defines a scenario environment.
package env

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	flag "github.com/spf13/pflag"

	cmnSyscall "github.com/CrabeDeFrance/lidi/common/syscall"
)

// ErrEarlyTerm is the error passed over the error channel when a
// sub-process terminates prior to the Cleanup.
var ErrEarlyTerm = errors.New("env: sub-process exited early")

// CmdAttrs returns the SysProcAttr that will ensure cleanup of children if
// the runner itself dies (on Linux).
func CmdAttrs() *syscall.SysProcAttr {
	return cmnSyscall.CmdAttrs()
}

// CleanupFn is the cleanup hook function prototype.
type CleanupFn func() error

// ParameterFlagSet is a wrapper for flag.FlagSet to produce nicer JSON output.
type ParameterFlagSet struct {
	flag.FlagSet

	name          string
	errorHandling flag.ErrorHandling
}

// ScenarioInstanceInfo contains information of the current scenario run.
type ScenarioInstanceInfo struct {
	// Scenario is the name of the scenario.
	Scenario string `json:"scenario"`

	// Instance is the name of the scenario instance (e.g. diode-test-runner123456).
	Instance string `json:"instance"`

	// ParameterSet is the parameter set the scenario was run with.
	ParameterSet *ParameterFlagSet `json:"parameter_set"`

	// Run is the number of the run.
	Run int `json:"run"`
}

// MarshalJSON outputs ParameterFlagSet as an ordinary JSON map.
func (pfs *ParameterFlagSet) MarshalJSON() ([]byte, error) {
	ps := make(map[string]string)
	pfs.VisitAll(func(f *flag.Flag) {
		ps[f.Name] = f.Value.String()
	})

	return json.Marshal(ps)
}

// Clone clones the parameter flagset, including the current values.
func (pfs *ParameterFlagSet) Clone() *ParameterFlagSet {
	newPfs := NewParameterFlagSet(pfs.name, pfs.errorHandling)
	pfs.VisitAll(func(f *flag.Flag) {
		fl := *f
		fl.Value = reflect.New(reflect.TypeOf(fl.Value).Elem()).Interface().(flag.Value)
		_ = fl.Value.Set(f.Value.String())
		newPfs.AddFlag(&fl)
	})

	return newPfs
}

// NewParameterFlagSet returns new instance of ParameterFlagSet.
func NewParameterFlagSet(name string, eh flag.ErrorHandling) *ParameterFlagSet {
	return &ParameterFlagSet{
		FlagSet:       *flag.NewFlagSet(name, eh),
		name:          name,
		errorHandling: eh,
	}
}

// Env is a (nested) test environment.
type Env struct {
	name string

	parent     *Env
	parentElem *list.Element
	children   *list.List

	dir          *Dir
	scenarioInfo *ScenarioInstanceInfo
	cleanupFns   []CleanupFn
	cleanupCmds  []*CmdMonitor
	cleanupLock  sync.Mutex

	isInCleanup bool
}

// Name returns the environment name.
func (env *Env) Name() string {
	return env.name
}

// Dir returns the path to this test environment's data directory.
func (env *Env) Dir() string {
	return env.dir.String()
}

// CurrentDir returns the test environment's Dir.
func (env *Env) CurrentDir() *Dir {
	return env.dir
}

// NewSubDir creates a new subdirectory under the test environment.
func (env *Env) NewSubDir(subDirName string) (*Dir, error) {
	return env.dir.NewSubDir(subDirName)
}

// ScenarioInfo returns the scenario instance information.
func (env *Env) ScenarioInfo() *ScenarioInstanceInfo {
	return env.scenarioInfo
}

// AddOnCleanup adds a cleanup routine to be called during the environment's
// cleanup. Routines will be called in reverse order that they were
// registered.
func (env *Env) AddOnCleanup(fn CleanupFn) {
	env.cleanupLock.Lock()
	defer env.cleanupLock.Unlock()

	env.cleanupFns = append([]CleanupFn{fn}, env.cleanupFns...)
}

// AddTermOnCleanup registers a started process that will be terminated
// during the environment's cleanup and returns its monitor.
//
// During cleanup the process gets SIGTERM and grace time to exit before it
// is killed. A zero grace kills it right away.
//
// Processes are terminated in the reverse order that they were registered,
// and are torn down *BEFORE* the on-cleanup hooks are run.
func (env *Env) AddTermOnCleanup(cmd *exec.Cmd, grace time.Duration) *CmdMonitor {
	env.cleanupLock.Lock()
	defer env.cleanupLock.Unlock()

	m := &CmdMonitor{
		env:    env,
		cmd:    cmd,
		grace:  grace,
		doneCh: make(chan struct{}),
		errCh:  make(chan error, 1),
	}
	go m.wait()

	env.cleanupCmds = append([]*CmdMonitor{m}, env.cleanupCmds...)

	return m
}

// Cleanup cleans up all of the environment's children, followed by the
// environment, and returns every error reported by the cleanup hooks.
//
// Note: Unless the env is a root (top-level) environment, the directory
// will not be cleaned up. Calling Cleanup again is a no-op.
func (env *Env) Cleanup() error {
	env.cleanupLock.Lock()
	if env.isInCleanup {
		env.cleanupLock.Unlock()
		return nil
	}
	env.isInCleanup = true
	cmds := env.cleanupCmds
	fns := env.cleanupFns
	env.cleanupLock.Unlock()

	if env.parentElem != nil {
		env.parent.children.Remove(env.parentElem)
		env.parentElem = nil
	}

	var result *multierror.Error
	for {
		childElem := env.children.Front()
		if childElem == nil {
			break
		}

		child := childElem.Value.(*Env)
		if err := child.Cleanup(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, m := range cmds {
		m.Terminate(m.grace)
	}

	for _, fn := range fns {
		if err := fn(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if env.parent == nil {
		if err := env.dir.Cleanup(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// NewChild returns a new child test environment.
func (env *Env) NewChild(childName string, scInfo *ScenarioInstanceInfo) (*Env, error) {
	var parentDir *Dir
	if env.parent != nil {
		parentDir = env.parent.dir
	} else {
		parentDir = env.dir
	}

	subDir, err := parentDir.NewSubDir(childName)
	if err != nil {
		return nil, err
	}

	child := &Env{
		name:         childName,
		parent:       env,
		children:     list.New(),
		dir:          subDir,
		scenarioInfo: scInfo,
	}
	child.parentElem = env.children.PushBack(child)

	return child, nil
}

// WriteScenarioInfo dumps scenario instance parameter set to scenario_info.json
// file for debugging afterwards.
func (env *Env) WriteScenarioInfo() error {
	b, err := json.Marshal(env.scenarioInfo)
	if err != nil {
		return err
	}
	if err = os.WriteFile(filepath.Join(env.Dir(), "scenario_info.json"), b, 0o600); err != nil {
		return fmt.Errorf("env: failed to write scenario info: %w", err)
	}

	return nil
}

// New creates a new root test environment.
func New(dir *Dir) *Env {
	return &Env{
		children: list.New(),
		dir:      dir,
	}
}

// CmdMonitor tracks a process registered with AddTermOnCleanup.
type CmdMonitor struct {
	sync.Mutex

	env   *Env
	cmd   *exec.Cmd
	grace time.Duration

	doneCh chan struct{}
	errCh  chan error

	exitErr    error
	isStopping bool
}

// Done returns a channel that is closed once the process has exited.
func (m *CmdMonitor) Done() <-chan struct{} {
	return m.doneCh
}

// Exited returns true iff the process has exited.
func (m *CmdMonitor) Exited() bool {
	select {
	case <-m.doneCh:
		return true
	default:
		return false
	}
}

// ExitErr returns the error returned by waiting on the process. It is only
// meaningful once Done is closed.
func (m *CmdMonitor) ExitErr() error {
	m.Lock()
	defer m.Unlock()
	return m.exitErr
}

// Errors returns a channel that receives at most one error, wrapping
// ErrEarlyTerm, when the process exits without having been terminated
// through the monitor or the environment's cleanup.
func (m *CmdMonitor) Errors() <-chan error {
	return m.errCh
}

// Terminate stops the process: SIGTERM first, then SIGKILL once grace has
// elapsed (immediately if grace is zero). It waits for the process to exit
// and is safe to call any number of times.
func (m *CmdMonitor) Terminate(grace time.Duration) {
	m.Lock()
	m.isStopping = true
	m.Unlock()

	if m.Exited() {
		return
	}

	if grace > 0 {
		_ = m.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-time.After(grace):
		case <-m.doneCh:
			return
		}
	}

	_ = m.cmd.Process.Kill()
	<-m.doneCh
}

func (m *CmdMonitor) wait() {
	err := m.cmd.Wait()

	m.env.cleanupLock.Lock()
	inCleanup := m.env.isInCleanup
	m.env.cleanupLock.Unlock()

	m.Lock()
	m.exitErr = err
	stopping := m.isStopping
	m.Unlock()

	if !inCleanup && !stopping {
		if err == nil {
			err = ErrEarlyTerm
		} else {
			err = fmt.Errorf("%w: %v", ErrEarlyTerm, err)
		}
		m.errCh <- err
	}
	close(m.errCh)
	close(m.doneCh)
}
