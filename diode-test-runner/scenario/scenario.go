// Package scenario implements the test scenario abstract interface.
package scenario

import (
	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
)

// Scenario is a test scenario identified by name.
type Scenario interface {
	// Clone returns a copy of this scenario instance to be run with a
	// different parameter set.
	Clone() Scenario

	// Name returns the name of the scenario.
	//
	// Note: The name is used when selecting which tests to run, and should
	// be something suitable for use as a command line argument.
	Name() string

	// Parameters returns the settable scenario parameters.
	Parameters() *env.ParameterFlagSet

	// PreInit performs initial scenario configuration.
	PreInit(childEnv *env.Env) error

	// Fixture returns a diode network fixture to use for this scenario.
	//
	// It may return nil in case the scenario doesn't use a fixture and
	// performs all setup in Init.
	Fixture() (*diode.NetworkFixture, error)

	// Init initializes the scenario.
	//
	// Network will be nil in case the Fixture method returns nil.
	Init(childEnv *env.Env, net *diode.Network) error

	// Run runs the scenario.
	Run(childEnv *env.Env) error
}
