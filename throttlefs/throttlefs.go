// Package throttlefs implements a loopback FUSE filesystem whose file reads
// are rate limited, used to emulate slow storage on the sending side of the
// diode.
package throttlefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/time/rate"

	cmnBackoff "github.com/CrabeDeFrance/lidi/common/backoff"
	"github.com/CrabeDeFrance/lidi/common/logging"
)

const (
	unmountRetryInterval = 100 * time.Millisecond
	unmountMaxRetries    = 50
)

// ErrInvalidConfig is the error returned on an invalid configuration.
var ErrInvalidConfig = errors.New("throttlefs: invalid configuration")

// Config is the throttled mount configuration.
type Config struct {
	// MountPoint is where the throttled view is mounted.
	MountPoint string
	// Source is the directory exposed through the mount.
	Source string
	// BytesPerSecond is the read rate limit shared by every file.
	BytesPerSecond int64
	// Debug enables FUSE request logging.
	Debug bool
	// Logger is the logger used while serving, the "throttlefs" module
	// logger if nil.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.MountPoint == "" || cfg.Source == "" {
		return fmt.Errorf("%w: mount point and source are required", ErrInvalidConfig)
	}
	if cfg.BytesPerSecond <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %d", ErrInvalidConfig, cfg.BytesPerSecond)
	}
	if filepath.Clean(cfg.MountPoint) == filepath.Clean(cfg.Source) {
		return fmt.Errorf("%w: mount point and source must differ", ErrInvalidConfig)
	}
	return nil
}

type throttledNode struct {
	fs.LoopbackNode

	limiter *rate.Limiter
}

var _ = (fs.NodeOpener)((*throttledNode)(nil))

func (n *throttledNode) path() string {
	return filepath.Join(n.RootData.Path, n.Path(n.Root()))
}

// Open opens the underlying file with a rate limited handle.
func (n *throttledNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	flags &^= syscall.O_APPEND
	f, err := os.OpenFile(n.path(), int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return &throttledFile{
		f: f,
		r: NewReader(f, n.limiter),
	}, 0, fs.OK
}

type throttledFile struct {
	sync.Mutex

	f *os.File
	r *Reader
}

var (
	_ = (fs.FileReader)((*throttledFile)(nil))
	_ = (fs.FileWriter)((*throttledFile)(nil))
	_ = (fs.FileReleaser)((*throttledFile)(nil))
	_ = (fs.FileGetattrer)((*throttledFile)(nil))
	_ = (fs.FileFlusher)((*throttledFile)(nil))
	_ = (fs.FileFsyncer)((*throttledFile)(nil))
)

func (tf *throttledFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	// The limiter wait happens outside of the lock.
	tf.Lock()
	r := tf.r
	tf.Unlock()

	if r == nil {
		return nil, syscall.EBADF
	}
	n, err := r.ReadAtContext(ctx, dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (tf *throttledFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	tf.Lock()
	defer tf.Unlock()

	if tf.f == nil {
		return 0, syscall.EBADF
	}
	n, err := tf.f.WriteAt(data, off)
	return uint32(n), fs.ToErrno(err)
}

func (tf *throttledFile) Release(ctx context.Context) syscall.Errno {
	tf.Lock()
	defer tf.Unlock()

	if tf.f == nil {
		return syscall.EBADF
	}
	err := tf.f.Close()
	tf.f = nil
	tf.r = nil
	return fs.ToErrno(err)
}

func (tf *throttledFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	tf.Lock()
	defer tf.Unlock()

	if tf.f == nil {
		return syscall.EBADF
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(int(tf.f.Fd()), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return fs.OK
}

func (tf *throttledFile) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (tf *throttledFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	tf.Lock()
	defer tf.Unlock()

	if tf.f == nil {
		return syscall.EBADF
	}
	return fs.ToErrno(tf.f.Sync())
}

// newRoot returns the root node of a loopback of cfg.Source whose files share
// limiter.
func newRoot(cfg *Config, limiter *rate.Limiter) (fs.InodeEmbedder, error) {
	source, err := filepath.Abs(cfg.Source)
	if err != nil {
		return nil, err
	}
	var st syscall.Stat_t
	if err = syscall.Stat(source, &st); err != nil {
		return nil, fmt.Errorf("throttlefs: failed to stat source: %w", err)
	}

	root := &fs.LoopbackRoot{
		Path: source,
		Dev:  uint64(st.Dev),
		NewNode: func(rootData *fs.LoopbackRoot, _ *fs.Inode, _ string, _ *syscall.Stat_t) fs.InodeEmbedder {
			return &throttledNode{
				LoopbackNode: fs.LoopbackNode{RootData: rootData},
				limiter:      limiter,
			}
		},
	}
	return root.NewNode(root, nil, "", &st), nil
}

// Serve mounts the throttled view and serves it until ctx is done, then
// unmounts it.
func Serve(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger("throttlefs")
	}
	logger = logger.With("mount_point", cfg.MountPoint)

	root, err := newRoot(&cfg, NewLimiter(cfg.BytesPerSecond))
	if err != nil {
		return err
	}

	server, err := fs.Mount(cfg.MountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: cfg.Source,
			Name:   "throttlefs",
			Debug:  cfg.Debug,
		},
	})
	if err != nil {
		return fmt.Errorf("throttlefs: failed to mount: %w", err)
	}
	logger.Info("mounted",
		"source", cfg.Source,
		"bytes_per_second", cfg.BytesPerSecond,
	)

	unmountErrCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("unmounting")

		// The mount is busy while a client still has files open.
		notify := func(err error, d time.Duration) {
			logger.Warn("failed to unmount, retrying",
				"err", err,
				"retry_in", d,
			)
		}
		bo := backoff.WithMaxRetries(cmnBackoff.NewProbeBackOff(unmountRetryInterval), unmountMaxRetries)
		unmountErrCh <- backoff.RetryNotify(server.Unmount, bo, notify)
	}()

	server.Wait()

	// Wait returns without a done context when unmounted from the outside.
	if ctx.Err() != nil {
		if err = <-unmountErrCh; err != nil {
			return fmt.Errorf("throttlefs: failed to unmount: %w", err)
		}
	}
	logger.Info("unmounted")
	return nil
}
