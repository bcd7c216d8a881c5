package diode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/CrabeDeFrance/lidi/common/crypto/hash"
	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/common/metrics"
)

// DefaultPollInterval is the default interval between two checks of the
// receive directory.
const DefaultPollInterval = time.Millisecond

// OutcomeKind is the kind of an oracle outcome.
type OutcomeKind int

const (
	// Success means the expectation was met.
	Success OutcomeKind = iota
	// Timeout means the file was not complete and intact at the deadline.
	Timeout
	// IntegrityMismatch means the file reached its expected size with a
	// different fingerprint.
	IntegrityMismatch
	// UnexpectedArrival means a file that must not arrive did arrive,
	// complete and intact.
	UnexpectedArrival
)

// String returns a string representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case IntegrityMismatch:
		return "integrity_mismatch"
	case UnexpectedArrival:
		return "unexpected_arrival"
	default:
		return fmt.Sprintf("[unknown outcome: %d]", int(k))
	}
}

// Outcome is the result of an oracle check.
type Outcome struct {
	Kind OutcomeKind
	Name string
	Path string

	ExpectedSize int64
	// ActualSize is the last observed size, -1 if the file was never seen.
	ActualSize int64

	Expected hash.Hash
	Actual   hash.Hash

	Elapsed time.Duration
}

// Err returns the error matching the outcome, nil on success.
func (o *Outcome) Err() error {
	switch o.Kind {
	case Success:
		return nil
	case Timeout:
		if o.ActualSize < 0 {
			return fmt.Errorf("%w: %s not seen after %s", ErrArrivalTimeout, o.Name, o.Elapsed)
		}
		return fmt.Errorf("%w: %s has %d of %d bytes after %s",
			ErrArrivalTimeout, o.Name, o.ActualSize, o.ExpectedSize, o.Elapsed,
		)
	case IntegrityMismatch:
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrIntegrityMismatch, o.Name, o.Expected, o.Actual)
	case UnexpectedArrival:
		return fmt.Errorf("%w: %s after %s", ErrUnexpectedArrival, o.Name, o.Elapsed)
	default:
		return fmt.Errorf("diode: %s: %s", o.Name, o.Kind)
	}
}

type fileState int

const (
	fileMissing fileState = iota
	filePartial
	fileComplete
	fileCorrupt
)

// Oracle polls a directory for files described by FileRecords.
type Oracle struct {
	logger *logging.Logger

	dir      string
	interval time.Duration
}

// Dir returns the polled directory.
func (o *Oracle) Dir() string {
	return o.dir
}

// Interval returns the polling interval.
func (o *Oracle) Interval() time.Duration {
	return o.interval
}

func (o *Oracle) check(rec *FileRecord, out *Outcome) fileState {
	fi, err := os.Stat(out.Path)
	switch {
	case err != nil:
		if !errors.Is(err, fs.ErrNotExist) {
			o.logger.Debug("failed to stat file",
				"path", out.Path,
				"err", err,
			)
		}
		return fileMissing
	case !fi.Mode().IsRegular():
		return fileMissing
	}

	out.ActualSize = fi.Size()
	if out.ActualSize != rec.Size {
		return filePartial
	}

	h, n, err := hash.NewFromFile(out.Path)
	if err != nil || n != rec.Size {
		// Renamed, truncated or still being written.
		return filePartial
	}
	out.Actual = h
	if !h.Equal(&rec.Fingerprint) {
		return fileCorrupt
	}
	return fileComplete
}

// poll calls fn on every tick until it returns true or the deadline
// elapses. The first call happens immediately, the last one at the deadline.
func (o *Oracle) poll(ctx context.Context, deadline time.Duration, fn func() bool) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if fn() {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fn()
		}
	}
}

func (o *Oracle) newOutcome(rec *FileRecord) Outcome {
	return Outcome{
		Name:         rec.Name,
		Path:         filepath.Join(o.dir, rec.Name),
		ExpectedSize: rec.Size,
		ActualSize:   -1,
		Expected:     rec.Fingerprint,
	}
}

// ExpectArrival waits until the file described by rec is present, complete
// and intact, for at most deadline.
func (o *Oracle) ExpectArrival(ctx context.Context, rec *FileRecord, deadline time.Duration) Outcome {
	out := o.newOutcome(rec)
	start := time.Now()

	var state fileState
	o.poll(ctx, deadline, func() bool {
		state = o.check(rec, &out)
		return state == fileComplete || state == fileCorrupt
	})
	out.Elapsed = time.Since(start)

	switch state {
	case fileComplete:
		out.Kind = Success
	case fileCorrupt:
		out.Kind = IntegrityMismatch
	default:
		out.Kind = Timeout
	}
	metrics.TransferSeconds.WithLabelValues(out.Kind.String()).Observe(out.Elapsed.Seconds())

	o.logger.Debug("arrival checked",
		"name", rec.Name,
		"outcome", out.Kind,
		"elapsed", out.Elapsed,
	)
	return out
}

// ExpectAbsence checks that the file described by rec does not arrive,
// complete and intact, for deadline. A file that does arrive is removed.
func (o *Oracle) ExpectAbsence(ctx context.Context, rec *FileRecord, deadline time.Duration) Outcome {
	out := o.newOutcome(rec)
	start := time.Now()

	var state fileState
	o.poll(ctx, deadline, func() bool {
		state = o.check(rec, &out)
		return state == fileComplete || state == fileCorrupt
	})
	out.Elapsed = time.Since(start)

	switch state {
	case fileComplete:
		out.Kind = UnexpectedArrival
		if err := os.Remove(out.Path); err != nil {
			o.logger.Warn("failed to remove unexpected file",
				"path", out.Path,
				"err", err,
			)
		}
	case fileCorrupt:
		out.Kind = IntegrityMismatch
	default:
		out.Kind = Success
	}

	o.logger.Debug("absence checked",
		"name", rec.Name,
		"outcome", out.Kind,
		"elapsed", out.Elapsed,
	)
	return out
}

// ExpectAllArrivals waits for every record to arrive. All records share the
// same deadline, and every failure is reported.
func (o *Oracle) ExpectAllArrivals(ctx context.Context, recs []*FileRecord, deadline time.Duration) error {
	until := time.Now().Add(deadline)

	var err error
	for _, rec := range recs {
		remaining := time.Until(until)
		if remaining < 0 {
			remaining = 0
		}
		out := o.ExpectArrival(ctx, rec, remaining)
		err = multierr.Append(err, out.Err())
	}
	return err
}

// NewOracle creates an oracle polling dir every interval.
func NewOracle(dir string, interval time.Duration) *Oracle {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Oracle{
		logger:   logging.GetLogger("diode/oracle"),
		dir:      dir,
		interval: interval,
	}
}

// Oracle returns the oracle of the receive directory.
func (net *Network) Oracle() *Oracle {
	return net.oracle
}

func (net *Network) record(name string) (*FileRecord, error) {
	rec, ok := net.File(name)
	if !ok {
		return nil, usageErrorf("unknown file '%s'", name)
	}
	return rec, nil
}

// ArrivalOutcome waits for the named file to arrive and returns the outcome.
func (net *Network) ArrivalOutcome(ctx context.Context, name string, deadline time.Duration) (Outcome, error) {
	rec, err := net.record(name)
	if err != nil {
		return Outcome{}, err
	}
	return net.oracle.ExpectArrival(ctx, rec, deadline), nil
}

// ExpectArrival waits for the named file to arrive, complete and intact.
func (net *Network) ExpectArrival(ctx context.Context, name string, deadline time.Duration) error {
	out, err := net.ArrivalOutcome(ctx, name, deadline)
	if err != nil {
		return err
	}
	if err = out.Err(); err == nil {
		net.logger.Info("file arrived",
			"name", name,
			"elapsed", out.Elapsed,
		)
	}
	return err
}

// ExpectAbsence checks that the named file does not arrive within deadline.
func (net *Network) ExpectAbsence(ctx context.Context, name string, deadline time.Duration) error {
	rec, err := net.record(name)
	if err != nil {
		return err
	}
	out := net.oracle.ExpectAbsence(ctx, rec, deadline)
	return out.Err()
}

// ExpectAllArrivals waits for every given record to arrive, within a shared
// deadline.
func (net *Network) ExpectAllArrivals(ctx context.Context, deadline time.Duration, recs ...*FileRecord) error {
	return net.oracle.ExpectAllArrivals(ctx, recs, deadline)
}

// ExpectInSendDir checks that the named file is still present, intact, in
// the send directory.
func (net *Network) ExpectInSendDir(ctx context.Context, name string, deadline time.Duration) error {
	rec, err := net.record(name)
	if err != nil {
		return err
	}
	o := NewOracle(net.SendDir(), net.cfg.PollInterval)
	out := o.ExpectArrival(ctx, rec, deadline)
	return out.Err()
}
