package e2e

import (
	"context"
	"fmt"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/diode"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario"
)

const (
	cfgMbps              = "mbps"
	cfgMTU               = "mtu"
	cfgEncodingBlockSize = "encoding_block_size"
	cfgRepairBlockSize   = "repair_block_size"

	tuningFile = "a.bin"
)

var (
	// Throttled limits the sender and the reads of the sent files to a
	// given throughput.
	Throttled scenario.Scenario = newThrottledImpl()

	// BlockSizes transfers a file with explicit FEC block sizes.
	BlockSizes scenario.Scenario = newBlockSizesImpl()
)

type throttledImpl struct {
	Scenario
}

func newThrottledImpl() scenario.Scenario {
	sc := &throttledImpl{
		Scenario: *NewScenario("throttled"),
	}
	sc.Flags.Int(cfgMbps, 100, "maximum throughput (Mb/s)")
	sc.Flags.Int(cfgMTU, 0, "UDP link MTU, default if 0")
	sc.Flags.String(cfgSize, "10MB", "size of the file")

	return sc
}

func (sc *throttledImpl) Clone() scenario.Scenario {
	return &throttledImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *throttledImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	f.Network.Knobs.MTU, _ = sc.Flags.GetInt(cfgMTU)
	size, _ := sc.Flags.GetString(cfgSize)
	f.Payloads = append(f.Payloads, diode.PayloadFixture{Name: tuningFile, Size: size})
	return f, nil
}

func (sc *throttledImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	mbps, _ := sc.Flags.GetInt(cfgMbps)
	if err := sc.Net.StartThrottled(ctx, mbps); err != nil {
		return err
	}

	rec, _ := sc.Net.File(tuningFile)
	if _, err := sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
		return err
	}
	return sc.Net.ExpectArrival(ctx, tuningFile, sc.Deadline())
}

type blockSizesImpl struct {
	Scenario
}

func newBlockSizesImpl() scenario.Scenario {
	sc := &blockSizesImpl{
		Scenario: *NewScenario("block-sizes"),
	}
	sc.Flags.Int(cfgEncodingBlockSize, 20000, "FEC encoding block size (bytes)")
	sc.Flags.Int(cfgRepairBlockSize, 20000, "FEC repair block size (bytes)")
	sc.Flags.String(cfgSize, "10MB", "size of the file")

	return sc
}

func (sc *blockSizesImpl) Clone() scenario.Scenario {
	return &blockSizesImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *blockSizesImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	f.Network.Knobs.EncodingBlockSize, _ = sc.Flags.GetInt(cfgEncodingBlockSize)
	f.Network.Knobs.RepairBlockSize, _ = sc.Flags.GetInt(cfgRepairBlockSize)
	if f.Network.Knobs.EncodingBlockSize <= 0 || f.Network.Knobs.RepairBlockSize <= 0 {
		return nil, fmt.Errorf("%w: block sizes must be positive", diode.ErrUsage)
	}
	size, _ := sc.Flags.GetString(cfgSize)
	f.Payloads = append(f.Payloads, diode.PayloadFixture{Name: tuningFile, Size: size})
	return f, nil
}

func (sc *blockSizesImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}

	rec, _ := sc.Net.File(tuningFile)
	if _, err := sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
		return err
	}
	return sc.Net.ExpectArrival(ctx, tuningFile, sc.Deadline())
}
