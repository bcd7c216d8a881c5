package throttlefs

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// maxBurst bounds the limiter burst, and so the largest single wait. It
// matches the largest FUSE read request.
const maxBurst = 128 * 1024

// NewLimiter returns a limiter allowing bytesPerSecond bytes per second. The
// bucket starts empty, so the first read is throttled too.
func NewLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := bytesPerSecond
	if burst > maxBurst {
		burst = maxBurst
	}
	l := rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
	l.AllowN(time.Now(), int(burst))
	return l
}

// waitN waits for n bytes worth of tokens, in burst sized chunks.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader is an io.ReaderAt whose reads are rate limited.
type Reader struct {
	r       io.ReaderAt
	limiter *rate.Limiter
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext reads like ReadAt, then waits until the limiter allows the
// bytes read. An expired context aborts the wait.
func (r *Reader) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	if n > 0 {
		if werr := waitN(ctx, r.limiter, n); werr != nil {
			return 0, werr
		}
	}
	return n, err
}

// NewReader wraps r so that reads go through limiter.
func NewReader(r io.ReaderAt, limiter *rate.Limiter) *Reader {
	return &Reader{
		r:       r,
		limiter: limiter,
	}
}
