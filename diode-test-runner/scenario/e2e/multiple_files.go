package e2e

import (
	"context"
	"fmt"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

// MultipleFiles sends several files in a single client session.
var MultipleFiles scenario.Scenario = newMultipleFilesImpl()

type multipleFilesImpl struct {
	Scenario
}

func newMultipleFilesImpl() scenario.Scenario {
	sc := &multipleFilesImpl{
		Scenario: *NewScenario("multiple-files"),
	}
	sc.Flags.String(cfgSize, "1MB", "size of each file (KB, MB or GB)")
	sc.Flags.Int(cfgCount, 10, "number of files")

	return sc
}

func (sc *multipleFilesImpl) Clone() scenario.Scenario {
	return &multipleFilesImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *multipleFilesImpl) Run(childEnv *env.Env) error {
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

	recs := make([]*diode.FileRecord, 0, count)
	for i := 0; i < count; i++ {
		rec, err := sc.Net.CreatePayload(fmt.Sprintf("test_file_%d", i), size)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	if err = sc.Net.SendMany(ctx, recs...); err != nil {
		return err
	}
	return sc.Net.ExpectAllArrivals(ctx, sc.Deadline(), recs...)
}
