package diode

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/CrabeDeFrance/lidi/common/crypto/hash"
)

// Size units accepted by ParseSize, decimal as dd interprets them.
var sizeUnits = map[string]int64{
	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
}

// ParseSize parses a payload size of the form <count><unit>, e.g. "10MB".
func ParseSize(s string) (int64, error) {
	if len(s) < 3 {
		return 0, usageErrorf("malformed size '%s'", s)
	}
	count, unit := s[:len(s)-2], s[len(s)-2:]

	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, usageErrorf("unknown size unit '%s' in '%s'", unit, s)
	}
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil || n <= 0 {
		return 0, usageErrorf("malformed size count '%s' in '%s'", count, s)
	}
	if n > (1<<63-1)/mult {
		return 0, usageErrorf("size '%s' is too large", s)
	}
	return n * mult, nil
}

// FileRecord describes a payload created by a scenario.
type FileRecord struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Fingerprint hash.Hash `json:"fingerprint"`
	Path        string    `json:"path"`
}

// SendMode selects whether a send waits for the client to exit.
type SendMode int

const (
	// SendSync waits for the client and checks that it succeeded.
	SendSync SendMode = iota
	// SendBackground returns as soon as the client is started.
	SendBackground
)

// File returns the record of the named payload.
func (net *Network) File(name string) (*FileRecord, bool) {
	net.Lock()
	defer net.Unlock()
	rec, ok := net.files[name]
	return rec, ok
}

// Files returns every payload record, in creation order.
func (net *Network) Files() []*FileRecord {
	net.Lock()
	defer net.Unlock()

	recs := make([]*FileRecord, 0, len(net.fileOrder))
	for _, name := range net.fileOrder {
		recs = append(recs, net.files[name])
	}
	return recs
}

// NextName returns a payload name not used before in this scenario.
func (net *Network) NextName(prefix string) string {
	net.Lock()
	defer net.Unlock()

	for {
		net.counter++
		name := fmt.Sprintf("%s_%d", prefix, net.counter)
		if _, ok := net.files[name]; !ok {
			return name
		}
	}
}

// CreatePayload writes a random file of the given size in the send
// directory and records its fingerprint.
func (net *Network) CreatePayload(name string, size int64) (*FileRecord, error) {
	rec, err := net.writePayload(net.SendDir(), name, size)
	if err != nil {
		return nil, err
	}
	return rec, net.addRecord(rec)
}

// CreateStagedPayload writes a random file of the given size in the staging
// directory, outside of anything watched by the diode.
func (net *Network) CreateStagedPayload(name string, size int64) (*FileRecord, error) {
	rec, err := net.writePayload(net.stagingDir.String(), name, size)
	if err != nil {
		return nil, err
	}
	return rec, net.addRecord(rec)
}

func (net *Network) writePayload(dir, name string, size int64) (*FileRecord, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, usageErrorf("invalid payload name '%s'", name)
	}
	if size <= 0 {
		return nil, usageErrorf("payload size must be positive, got %d", size)
	}
	if _, ok := net.File(name); ok {
		return nil, usageErrorf("payload '%s' already exists", name)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diode: failed to create payload: %w", err)
	}
	defer f.Close()

	b := hash.NewBuilder()
	_, err = io.CopyN(io.MultiWriter(f, b), net.entropy, size)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("diode: failed to write payload %s: %w", name, err)
	}

	rec := &FileRecord{
		Name:        name,
		Size:        size,
		Fingerprint: b.Build(),
		Path:        path,
	}
	net.logger.Debug("payload created",
		"name", name,
		"size", size,
		"fingerprint", rec.Fingerprint,
	)
	return rec, nil
}

func (net *Network) addRecord(rec *FileRecord) error {
	net.Lock()
	defer net.Unlock()

	if _, ok := net.files[rec.Name]; ok {
		return usageErrorf("payload '%s' already exists", rec.Name)
	}
	net.files[rec.Name] = rec
	net.fileOrder = append(net.fileOrder, rec.Name)
	return nil
}

// sendPath returns the path the client reads a record from: the throttled
// view when the send directory is throttled.
func (net *Network) sendPath(rec *FileRecord) string {
	t := net.Throttle()
	if t != nil && filepath.Dir(rec.Path) == net.SendDir() {
		return t.Path(rec.Name)
	}
	return rec.Path
}

// Send sends a payload with the file-ingest client. In background mode the
// client is returned while still running; in synchronous mode it is waited
// for, bounded by the send timeout.
func (net *Network) Send(ctx context.Context, rec *FileRecord, mode SendMode) (*ManagedProcess, error) {
	return net.runClient(ctx, mode, rec)
}

// SendMany sends payloads in a single client session and waits for it.
func (net *Network) SendMany(ctx context.Context, recs ...*FileRecord) error {
	if len(recs) == 0 {
		return usageErrorf("nothing to send")
	}
	_, err := net.runClient(ctx, SendSync, recs...)
	return err
}

func (net *Network) runClient(ctx context.Context, mode SendMode, recs ...*FileRecord) (*ManagedProcess, error) {
	if !net.Process(RoleSend).Running() {
		return nil, usageErrorf("cannot send: %s is not running", RoleSend)
	}

	logConfig, err := net.logConfig(RoleSendFile)
	if err != nil {
		return nil, err
	}
	args := newArgBuilder().
		bufferSize(net.cfg.SendBufferSize).
		toTCP(net.cfg.Ports.SenderBindTCP).
		logConfig(logConfig)
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		args = args.appendPositional(net.sendPath(rec))
		names = append(names, rec.Name)
	}

	net.Lock()
	net.numClients++
	name := fmt.Sprintf("%s-%d", RoleSendFile, net.numClients)
	net.Unlock()

	proc, err := Spawn(net.env, net.logger, name, net.binary(RoleSendFile), args.build(), net.streamPolicy())
	if err != nil {
		return nil, err
	}
	if mode == SendBackground {
		net.logger.Info("sending in background",
			"files", strings.Join(names, ","),
		)
		return proc, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, net.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	if err = proc.Wait(sendCtx); err != nil {
		return proc, err
	}
	net.logger.Info("files sent",
		"files", strings.Join(names, ","),
		"elapsed", time.Since(start),
	)
	return proc, nil
}

// StartSendDir starts the directory watcher on the send directory.
func (net *Network) StartSendDir(ctx context.Context) error {
	return net.StartRole(ctx, RoleSendDir)
}

// CopyIntoSendDir creates a payload outside the send directory and copies it
// in, like a user dropping a file into the watched directory.
func (net *Network) CopyIntoSendDir(name string, size int64) (*FileRecord, error) {
	staged, err := net.writePayload(net.stagingDir.String(), name, size)
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged.Path)

	dst := filepath.Join(net.SendDir(), name)
	if err = copyFile(staged.Path, dst); err != nil {
		return nil, fmt.Errorf("diode: failed to copy %s into send directory: %w", name, err)
	}
	rec := *staged
	rec.Path = dst
	return &rec, net.addRecord(&rec)
}

// MoveIntoSendDir creates a payload outside the send directory and renames
// it into the send directory.
func (net *Network) MoveIntoSendDir(name string, size int64) (*FileRecord, error) {
	staged, err := net.writePayload(net.stagingDir.String(), name, size)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(net.SendDir(), name)
	if err = os.Rename(staged.Path, dst); err != nil {
		_ = os.Remove(staged.Path)
		return nil, fmt.Errorf("diode: failed to move %s into send directory: %w", name, err)
	}
	rec := *staged
	rec.Path = dst
	return &rec, net.addRecord(&rec)
}

// CopyManyIntoSendDir copies n payloads of the given size into the send
// directory, under generated names.
func (net *Network) CopyManyIntoSendDir(n int, size int64) ([]*FileRecord, error) {
	if n < 1 {
		return nil, usageErrorf("file count must be at least 1, got %d", n)
	}

	recs := make([]*FileRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := net.CopyIntoSendDir(net.NextName("test_file")+"_"+strconv.Itoa(i), size)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SendAndRestart starts sending a payload in the background, waits for the
// transfer to be in flight and restarts role.
func (net *Network) SendAndRestart(ctx context.Context, rec *FileRecord, role Role) error {
	if _, err := net.Send(ctx, rec, SendBackground); err != nil {
		return err
	}

	select {
	case <-time.After(net.cfg.InFlightDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	switch role {
	case RoleReceive:
		return net.RestartReceiver(ctx)
	case RoleSend:
		return net.RestartSender(ctx)
	default:
		return usageErrorf("restarting %s during a transfer is not supported", role)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
