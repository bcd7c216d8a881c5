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
	cfgLossRate  = "loss_rate"
	cfgDownAfter = "down_after"
	cfgUpAfter   = "up_after"

	faultsFile = "a.bin"

	// outageCheckTimeout is the deadline of the arrival check made while
	// the link is down.
	outageCheckTimeout = time.Second
)

var (
	// PacketLoss drops a fraction of the packets the FEC can make up for.
	PacketLoss scenario.Scenario = newPacketLossImpl("packet-loss", 0.01, false)

	// PacketLossExceeded drops more packets than the FEC can make up for.
	PacketLossExceeded scenario.Scenario = newPacketLossImpl("packet-loss-exceeded", 0.5, true)

	// NetworkOutage takes the link down then up again during a transfer.
	NetworkOutage scenario.Scenario = newNetworkOutageImpl()
)

type packetLossImpl struct {
	Scenario

	exceeded bool
}

func newPacketLossImpl(name string, lossRate float64, exceeded bool) scenario.Scenario {
	sc := &packetLossImpl{
		Scenario: *NewScenario(name),
		exceeded: exceeded,
	}
	sc.Flags.Float64(cfgLossRate, lossRate, "probability of dropping each packet")
	sc.Flags.String(cfgSize, "10MB", "size of the file")

	return sc
}

func (sc *packetLossImpl) Clone() scenario.Scenario {
	return &packetLossImpl{
		Scenario: sc.Scenario.Clone(),
		exceeded: sc.exceeded,
	}
}

func (sc *packetLossImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	f.Network.Faults.LossRate, _ = sc.Flags.GetFloat64(cfgLossRate)
	sessionCheck := diode.LogAssertNoCorruptedSessions()
	if sc.exceeded {
		sessionCheck = diode.LogAssertCorruptedSessions()
	}
	addReceiveLogCheck(f, sessionCheck)
	size, _ := sc.Flags.GetString(cfgSize)
	f.Payloads = append(f.Payloads, diode.PayloadFixture{Name: faultsFile, Size: size})
	return f, nil
}

func (sc *packetLossImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}

	rec, _ := sc.Net.File(faultsFile)
	if _, err := sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
		return err
	}

	if !sc.exceeded {
		return sc.Net.ExpectArrival(ctx, faultsFile, sc.Deadline())
	}

	// Past the FEC headroom the file may not arrive, but what arrives
	// must be intact.
	out, err := sc.Net.ArrivalOutcome(ctx, faultsFile, sc.Deadline())
	if err != nil {
		return err
	}
	switch out.Kind {
	case diode.Success, diode.Timeout:
		sc.Logger.Info("lossy transfer outcome",
			"outcome", out.Kind,
			"received_size", out.ActualSize,
		)
		return nil
	default:
		return fmt.Errorf("lossy transfer: %w", out.Err())
	}
}

type networkOutageImpl struct {
	Scenario
}

func newNetworkOutageImpl() scenario.Scenario {
	sc := &networkOutageImpl{
		Scenario: *NewScenario("network-outage"),
	}
	sc.Flags.Duration(cfgDownAfter, 5*time.Second, "link down offset from the relay start")
	sc.Flags.Duration(cfgUpAfter, 10*time.Second, "link up offset from the relay start")
	sc.Flags.String(cfgSize, "1MB", "size of the file")

	return sc
}

func (sc *networkOutageImpl) Clone() scenario.Scenario {
	return &networkOutageImpl{
		Scenario: sc.Scenario.Clone(),
	}
}

func (sc *networkOutageImpl) Fixture() (*diode.NetworkFixture, error) {
	f, err := sc.Scenario.Fixture()
	if err != nil {
		return nil, err
	}

	f.Network.Faults.DownAfter, _ = sc.Flags.GetDuration(cfgDownAfter)
	f.Network.Faults.UpAfter, _ = sc.Flags.GetDuration(cfgUpAfter)
	if f.Network.Faults.DownAfter <= 0 || f.Network.Faults.UpAfter <= 0 {
		return nil, fmt.Errorf("%w: both link down and up offsets are required", diode.ErrUsage)
	}
	if outage := f.Network.Faults.UpAfter - f.Network.Faults.DownAfter; outage <= outageCheckTimeout {
		return nil, fmt.Errorf("%w: outage of %v leaves no room for a %v check", diode.ErrUsage, outage, outageCheckTimeout)
	}
	size, _ := sc.Flags.GetString(cfgSize)
	f.Payloads = append(f.Payloads, diode.PayloadFixture{Name: faultsFile, Size: size})
	return f, nil
}

func (sc *networkOutageImpl) Run(childEnv *env.Env) error {
	ctx := context.Background()
	faults := sc.Net.Config().Faults

	if err := sc.Net.Start(ctx); err != nil {
		return err
	}
	relayStart, ok := sc.Net.RelayStartedAt()
	if !ok {
		return fmt.Errorf("%w: network outage without a relay", diode.ErrUsage)
	}
	linkDown := relayStart.Add(faults.DownAfter)
	linkUp := relayStart.Add(faults.UpAfter)

	// The fault offsets count from the relay start, not from the end of
	// Start.
	select {
	case <-time.After(time.Until(linkDown)):
	case <-ctx.Done():
		return ctx.Err()
	}

	rec, _ := sc.Net.File(faultsFile)
	if _, err := sc.Net.Send(ctx, rec, diode.SendSync); err != nil {
		return err
	}

	// A deadline within the outage times out cleanly.
	if err := checkOutageWindow(time.Now(), linkUp, outageCheckTimeout); err != nil {
		return err
	}
	out, err := sc.Net.ArrivalOutcome(ctx, faultsFile, outageCheckTimeout)
	if err != nil {
		return err
	}
	if out.Kind != diode.Timeout {
		return fmt.Errorf("file arrived during the outage: outcome %s", out.Kind)
	}

	// A deadline covering the outage succeeds.
	return sc.Net.ExpectArrival(ctx, faultsFile, time.Until(linkUp)+sc.Deadline())
}

// checkOutageWindow fails unless a check of length d started at now ends
// before the link comes back up at linkUp.
func checkOutageWindow(now, linkUp time.Time, d time.Duration) error {
	if end := now.Add(d); !end.Before(linkUp) {
		return fmt.Errorf("%w: outage check would end %v after the link is up", diode.ErrUsage, end.Sub(linkUp))
	}
	return nil
}
