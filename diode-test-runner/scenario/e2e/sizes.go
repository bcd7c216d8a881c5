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
	cfgSize  = "size"
	cfgCount = "count"
)

var (
	// Sizes sends files of a parametrized size one after the other.
	Sizes scenario.Scenario = newSizesImpl("sizes", "1KB", 3, defaultDeadline)

	// LargeFile sends a single 1GB file.
	LargeFile scenario.Scenario = newSizesImpl("large-file", "1GB", 1, 5*time.Minute)
)

type sizesImpl struct {
	Scenario
}

func newSizesImpl(name, size string, count int, deadline time.Duration) scenario.Scenario {
	sc := &sizesImpl{
		Scenario: *NewScenario(name),
	}
	sc.Flags.String(cfgSize, size, "size of each file (KB, MB or GB)")
	sc.Flags.Int(cfgCount, count, "number of files sent one after the other")
	_ = sc.Flags.Set(cfgDeadline, deadline.String())

	return sc
}

func (sc *sizesImpl) Clone() scenario.Scenario {
	return &sizesImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *sizesImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	addReceiveLogCheck(f, diode.LogAssertNoCorruptedSessions())
	return f, nil
}

func (sc *sizesImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	size, err := sc.Size(cfgSize)
	if err != nil {
		return err
	}
	count, _ := sc.Flags.GetInt(cfgCount)
	if count < 1 {
		return fmt.Errorf("%w: file count must be at least 1, got %d", diode.ErrUsage, count)
	}

	if err = sc.Net.Start(ctx); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		rec, err := sc.Net.CreatePayload(sc.Net.NextName("test_file"), size)
		if err != nil {
			return err
		}
		if _, err = sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
			return err
		}
		if err = sc.Net.ExpectArrival(ctx, rec.Name, sc.Deadline()); err != nil {
			return err
		}
	}

	return nil
}
