package e2e

import (
	"context"
	"fmt"
	"time"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	restartFile  = "a.bin"
	restartAfter = "b.bin"

	// restartLeftoverDeadline is how long a file interrupted by a sender
	// restart is given to complete.
	restartLeftoverDeadline = 5 * time.Second
)

var (
	// ReceiverRestart restarts diode-receive while a file is in flight.
	ReceiverRestart scenario.Scenario = newRestartImpl("receiver-restart", diode.RoleReceive)

	// SenderRestart restarts diode-send while a file is in flight.
	SenderRestart scenario.Scenario = newRestartImpl("sender-restart", diode.RoleSend)
)

type restartImpl struct {
	Scenario

	role diode.Role
}

func newRestartImpl(name string, role diode.Role) scenario.Scenario {
	sc := &restartImpl{
		Scenario: *NewScenario(name),
		role:     role,
	}
	sc.Flags.String(cfgSize, "100MB", "size of the file in flight during the restart")

	return sc
}

func (sc *restartImpl) Clone() scenario.Scenario {
	return &restartImpl{
		Scenario: sc.Scenario.Clone(),
		role:     sc.role,
	}
}

func (sc *restartImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	size, _ := sc.Flags.GetString(cfgSize)
	f.Payloads = append(f.Payloads,
		diode.PayloadFixture{Name: restartFile, Size: size},
		diode.PayloadFixture{Name: restartAfter, Size: "1MB"},
	)
	return f, nil
}

func (sc *restartImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}

	rec, _ := sc.Net.File(restartFile)
	if err := sc.Net.SendAndRestart(ctx, rec, sc.role); err != nil {
		return err
	}

	switch sc.role {
	case diode.RoleReceive:
		// The session resumes: the file in flight is delivered.
		if err := sc.Net.ExpectArrival(ctx, restartFile, sc.Deadline()); err != nil {
			return err
		}
	default:
		// The file in flight may be lost, but must never be delivered
		// corrupted.
		out, err := sc.Net.ArrivalOutcome(ctx, restartFile, restartLeftoverDeadline)
		if err != nil {
			return err
		}
		switch out.Kind {
		case diode.Success, diode.Timeout:
			sc.Logger.Info("interrupted file outcome",
				"name", restartFile,
				"outcome", out.Kind,
			)
		default:
			return fmt.Errorf("interrupted file: %w", out.Err())
		}
	}

	// The diode keeps working after the restart.
	after, _ := sc.Net.File(restartAfter)
	if _, err := sc.Net.Send(ctx, after, diode.SendSync); err != nil {
		return err
	}
	return sc.Net.ExpectArrival(ctx, restartAfter, sc.Deadline())
}
