package diode

import (
	"context"
	"time"
)

// FaultSchedule describes the impairments applied by the relay between
// diode-send and diode-receive. Offsets are relative to the relay start.
type FaultSchedule struct {
	// DownAfter is when the link goes down.
	DownAfter time.Duration `json:"down_after,omitempty"`
	// UpAfter is when the link comes back up.
	UpAfter time.Duration `json:"up_after,omitempty"`
	// LossRate is the probability of dropping each packet.
	LossRate float64 `json:"loss_rate,omitempty"`
}

// Active returns true iff any fault is configured, and a relay is needed.
func (fs FaultSchedule) Active() bool {
	return fs.DownAfter > 0 || fs.UpAfter > 0 || fs.LossRate > 0
}

// Validate checks that the schedule can be expressed to the relay.
func (fs FaultSchedule) Validate() error {
	if fs.LossRate < 0 || fs.LossRate >= 1 {
		return usageErrorf("loss rate %v not in [0, 1)", fs.LossRate)
	}
	for _, d := range []time.Duration{fs.DownAfter, fs.UpAfter} {
		if d < 0 {
			return usageErrorf("negative fault offset %v", d)
		}
		if d%time.Second != 0 {
			return usageErrorf("fault offset %v is not a whole number of seconds", d)
		}
	}
	if fs.DownAfter > 0 && fs.UpAfter > 0 && fs.UpAfter <= fs.DownAfter {
		return usageErrorf("link up offset %v must come after link down offset %v", fs.UpAfter, fs.DownAfter)
	}
	return nil
}

// Args returns the relay command line.
func (fs FaultSchedule) Args(bind, forward, logConfig string) ([]string, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}

	args := newArgBuilder().
		bindUDP(bind).
		toUDP(forward).
		logConfig(logConfig)
	if fs.DownAfter > 0 {
		args = args.networkDownAfter(fs.DownAfter)
	}
	if fs.UpAfter > 0 {
		args = args.networkUpAfter(fs.UpAfter)
	}
	if fs.LossRate > 0 {
		args = args.lossRate(fs.LossRate)
	}
	return args.build(), nil
}

func (net *Network) startRelay(ctx context.Context) error {
	faults := net.cfg.Faults
	if !faults.Active() {
		return nil
	}

	logConfig, err := net.logConfig(RoleRelay)
	if err != nil {
		return err
	}
	args, err := faults.Args(
		net.cfg.Ports.RelayBindUDP,
		net.cfg.Ports.ReceiverUDPAddr(true),
		logConfig,
	)
	if err != nil {
		return err
	}

	net.logger.Info("starting relay",
		"down_after", faults.DownAfter,
		"up_after", faults.UpAfter,
		"loss_rate", faults.LossRate,
	)
	return net.startDaemon(ctx, RoleRelay, args, "")
}
