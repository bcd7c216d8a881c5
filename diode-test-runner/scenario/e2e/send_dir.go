package e2e

import (
	"context"
	"time"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	cfgIgnoreWait = "ignore_wait"

	hiddenFile = ".a.bin"
)

var (
	// SendDir drops files into the directory watched by diode-send-dir.
	SendDir scenario.Scenario = newSendDirImpl()

	// SendDirIgnore checks that diode-send-dir leaves hidden files alone.
	SendDirIgnore scenario.Scenario = newSendDirIgnoreImpl()
)

type sendDirImpl struct {
	Scenario
}

func newSendDirImpl() scenario.Scenario {
	sc := &sendDirImpl{
		Scenario: *NewScenario("send-dir"),
	}
	sc.Flags.String(cfgSize, "1MB", "size of each file")
	sc.Flags.Int(cfgCount, 10, "number of files copied at once")

	return sc
}

func (sc *sendDirImpl) Clone() scenario.Scenario {
	return &sendDirImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *sendDirImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	size, err := sc.Size(cfgSize)
	if err != nil {
		return err
	}
	count, _ := sc.Flags.GetInt(cfgCount)

	if err = sc.Net.Start(ctx); err != nil {
		return err
	}
	if err = sc.Net.StartSendDir(ctx); err != nil {
		return err
	}

	sc.Logger.Info("copying a file")
	rec, err := sc.Net.CopyIntoSendDir("copied.bin", size)
	if err != nil {
		return err
	}
	if err = sc.Net.ExpectArrival(ctx, rec.Name, sc.Deadline()); err != nil {
		return err
	}

	sc.Logger.Info("copying many files",
		"count", count,
	)
	recs, err := sc.Net.CopyManyIntoSendDir(count, size)
	if err != nil {
		return err
	}
	if err = sc.Net.ExpectAllArrivals(ctx, sc.Deadline(), recs...); err != nil {
		return err
	}

	sc.Logger.Info("moving a file")
	if rec, err = sc.Net.MoveIntoSendDir("moved.bin", size); err != nil {
		return err
	}
	return sc.Net.ExpectArrival(ctx, rec.Name, sc.Deadline())
}

type sendDirIgnoreImpl struct {
	Scenario
}

func newSendDirIgnoreImpl() scenario.Scenario {
	sc := &sendDirIgnoreImpl{
		Scenario: *NewScenario("send-dir-ignore"),
	}
	sc.Flags.Duration(cfgIgnoreWait, 5*time.Second, "how long a hidden file is watched for")

	return sc
}

func (sc *sendDirIgnoreImpl) Clone() scenario.Scenario {
	return &sendDirIgnoreImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *sendDirIgnoreImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()
	wait, _ := sc.Flags.GetDuration(cfgIgnoreWait)

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}
	if err := sc.Net.StartSendDir(ctx); err != nil {
		return err
	}

	if _, err := sc.Net.CopyIntoSendDir(hiddenFile, 1000); err != nil {
		return err
	}
	if err := sc.Net.ExpectAbsence(ctx, hiddenFile, wait); err != nil {
		return err
	}
	return sc.Net.ExpectInSendDir(ctx, hiddenFile, time.Second)
}
