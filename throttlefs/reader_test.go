package throttlefs

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	require := require.New(t)

	data := bytes.Repeat([]byte{0x42}, 20_000)
	r := NewReader(bytes.NewReader(data), NewLimiter(100_000))

	start := time.Now()
	buf := make([]byte, len(data))
	n, err := r.ReadAt(buf, 0)
	require.NoError(err, "ReadAt")
	require.Equal(len(data), n)
	require.Equal(data, buf)
	require.GreaterOrEqual(time.Since(start), 150*time.Millisecond, "the first read is throttled")

	n, err = r.ReadAt(buf, int64(len(data)-10))
	require.ErrorIs(err, io.EOF)
	require.Equal(10, n, "short reads return what was read")
}

func TestReaderContext(t *testing.T) {
	require := require.New(t)

	r := NewReader(bytes.NewReader(make([]byte, 1_000_000)), NewLimiter(1_000))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 500_000)
	n, err := r.ReadAtContext(ctx, buf, 0)
	require.Error(err, "the wait cannot complete before the deadline")
	require.Zero(n)
}

func TestNewLimiter(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(1_000)
	require.Equal(1_000, l.Burst())
	require.False(l.AllowN(time.Now(), 1_000), "the bucket starts empty")

	l = NewLimiter(100 * 1024 * 1024)
	require.Equal(maxBurst, l.Burst())
}

func TestConfigValidate(t *testing.T) {
	require := require.New(t)

	cfg := Config{MountPoint: "/mnt/a", Source: "/data", BytesPerSecond: 1}
	require.NoError(cfg.Validate())

	for _, bad := range []Config{
		{Source: "/data", BytesPerSecond: 1},
		{MountPoint: "/mnt/a", BytesPerSecond: 1},
		{MountPoint: "/mnt/a", Source: "/data"},
		{MountPoint: "/data/", Source: "/data", BytesPerSecond: 1},
	} {
		require.ErrorIs(bad.Validate(), ErrInvalidConfig, "%+v", bad)
	}

	require.ErrorIs(Serve(context.Background(), Config{}), ErrInvalidConfig)
}
