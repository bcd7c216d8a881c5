package diode

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"

	"github.com/CrabeDeFrance/lidi/common/logging"
	cmnSyscall "github.com/CrabeDeFrance/lidi/common/syscall"
)

// Throttle is a mounted read-rate-limited view of a directory.
type Throttle struct {
	sync.Mutex

	logger *logging.Logger
	proc   *ManagedProcess

	shadowDir      string
	realDir        string
	bytesPerSecond int64

	stopGrace    time.Duration
	releaseDelay time.Duration

	unmounted bool
}

// ShadowDir returns the throttled mount point.
func (t *Throttle) ShadowDir() string {
	return t.shadowDir
}

// BytesPerSecond returns the read rate limit.
func (t *Throttle) BytesPerSecond() int64 {
	return t.bytesPerSecond
}

// Path returns the throttled path of a file of the real directory.
func (t *Throttle) Path(name string) string {
	return filepath.Join(t.shadowDir, name)
}

// Unmount stops the throttle and waits for the mount to be released. The
// throttle process unmounts on SIGTERM; a lazy unmount is attempted if the
// mount point is still listed afterwards. It is safe to call more than once
// and on a nil Throttle.
func (t *Throttle) Unmount() error {
	if t == nil {
		return nil
	}

	t.Lock()
	defer t.Unlock()

	if t.unmounted {
		return nil
	}
	t.unmounted = true

	t.proc.Stop(t.stopGrace)

	var result *multierror.Error
	mounted, err := isMountPoint(t.shadowDir)
	switch {
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("diode: throttle: failed to list mounts: %w", err))
	case mounted:
		t.logger.Warn("throttle still mounted, detaching",
			"mount_point", t.shadowDir,
		)
		if err = cmnSyscall.LazyUnmount(t.shadowDir); err != nil {
			result = multierror.Append(result, fmt.Errorf("diode: throttle: failed to unmount %s: %w", t.shadowDir, err))
		}
	}

	time.Sleep(t.releaseDelay)

	t.logger.Info("throttle unmounted",
		"mount_point", t.shadowDir,
	)
	return result.ErrorOrNil()
}

func isMountPoint(dir string) (bool, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.MountPoint == dir {
			return true, nil
		}
	}
	return false, nil
}

// MountThrottle mounts shadowDir as a view of realDir whose reads are limited
// to bytesPerSecond. The mount is released on environment cleanup.
func (net *Network) MountThrottle(ctx context.Context, shadowDir, realDir string, bytesPerSecond int64) (*Throttle, error) {
	if bytesPerSecond <= 0 {
		return nil, usageErrorf("throttle rate must be positive, got %d", bytesPerSecond)
	}
	if net.Throttle() != nil {
		return nil, usageErrorf("a throttle is already mounted")
	}
	var err error
	if shadowDir, err = filepath.Abs(shadowDir); err != nil {
		return nil, err
	}
	if realDir, err = filepath.Abs(realDir); err != nil {
		return nil, err
	}

	args := append([]string{RoleThrottle.String()}, newArgBuilder().
		rate(bytesPerSecond).
		appendPositional(shadowDir, realDir).
		build()...,
	)
	proc, err := spawn(net.env, net.logger, RoleThrottle.String(), net.cfg.ThrottleBinary, args, net.streamPolicy(), net.cfg.ThrottleStopGrace)
	if err != nil {
		return nil, err
	}
	net.forwardErrors(proc)

	t := &Throttle{
		logger:         net.logger.With("role", RoleThrottle),
		proc:           proc,
		shadowDir:      shadowDir,
		realDir:        realDir,
		bytesPerSecond: bytesPerSecond,
		stopGrace:      net.cfg.ThrottleStopGrace,
		releaseDelay:   net.cfg.ThrottleReleaseDelay,
	}
	net.env.AddOnCleanup(t.Unmount)

	if err = proc.AwaitReady(ctx, net.readiness(RoleThrottle, "")); err != nil {
		_ = t.Unmount()
		return nil, err
	}
	if mounted, mErr := isMountPoint(shadowDir); mErr == nil && !mounted {
		t.logger.Warn("throttle mount point not listed yet",
			"mount_point", shadowDir,
		)
	}

	net.Lock()
	net.throttle = t
	net.processes[RoleThrottle] = proc
	net.Unlock()

	net.logger.Info("throttle mounted",
		"mount_point", shadowDir,
		"source", realDir,
		"bytes_per_second", bytesPerSecond,
	)
	return t, nil
}

// StartThrottled limits the sender bandwidth to mbps Mbit/s and mounts the
// send directory behind a throttle of the same rate, then starts the
// topology. Files are sent through the throttled view afterwards.
func (net *Network) StartThrottled(ctx context.Context, mbps int) error {
	if mbps <= 0 {
		return usageErrorf("throughput must be positive, got %d Mb/s", mbps)
	}
	net.Lock()
	started := len(net.configPaths) > 0
	net.Unlock()
	if started {
		return usageErrorf("bandwidth must be set before the diode is started")
	}

	net.cfg.Knobs.MaxBandwidth = float64(mbps)
	net.knobs = net.cfg.Knobs.Resolve()

	var err error
	if net.shadowDir, err = net.env.NewSubDir(rateLimitDirName); err != nil {
		return fmt.Errorf("diode: failed to create %s directory: %w", rateLimitDirName, err)
	}
	if _, err = net.MountThrottle(ctx, net.shadowDir.String(), net.SendDir(), int64(mbps)*1_000_000/8); err != nil {
		return err
	}

	return net.Start(ctx)
}
