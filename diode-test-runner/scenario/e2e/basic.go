package e2e

import (
	"context"
	"time"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	basicFile     = "a.bin"
	basicFileSize = "10MB"

	basicNeverSentFile = "never_sent.bin"
)

// Basic is the basic single file transfer scenario.
var Basic scenario.Scenario = newBasicImpl()

type basicImpl struct {
	Scenario
}

func newBasicImpl() scenario.Scenario {
	return &basicImpl{
		Scenario: *NewScenario("basic"),
	}
}

func (sc *basicImpl) Clone() scenario.Scenario {
	return &basicImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *basicImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	addReceiveLogCheck(f, diode.LogAssertNoCorruptedSessions())
	f.Payloads = append(f.Payloads,
		diode.PayloadFixture{Name: basicFile, Size: basicFileSize},
		diode.PayloadFixture{Name: basicNeverSentFile, Size: "1KB", Staged: true},
	)
	return f, nil
}

func (sc *basicImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}

	rec, _ := sc.Net.File(basicFile)
	if _, err := sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
		return err
	}
	if err := sc.Net.ExpectArrival(ctx, basicFile, sc.Deadline()); err != nil {
		return err
	}

	// Only what was sent comes out of the diode.
	return sc.Net.ExpectAbsence(ctx, basicNeverSentFile, time.Second)
}
