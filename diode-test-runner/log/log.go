// Package log provides utilities for watching the log files written by the
// diode processes.
package log

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"github.com/hpcloud/tail/watch"
)

// WatcherHandlerFactory is a factory interface for log file watcher handlers.
type WatcherHandlerFactory interface {
	// New will create and return a WatcherHandler ready for use.
	New() (WatcherHandler, error)
}

// WatcherHandler is a log file watcher handler.
type WatcherHandler interface {
	// Line is called for each processed line.
	Line(string) error

	// Finish is called after the log file has been closed.
	Finish() error
}

// Watcher is a log file watcher.
type Watcher struct {
	name string

	tail  *tail.Tail
	errCh chan error
}

// WatcherConfig is a log file watcher configuration.
type WatcherConfig struct {
	Name string
	File string

	Handlers []WatcherHandler
}

// Name returns the log watcher name.
func (l *Watcher) Name() string {
	return l.name
}

// Cleanup stops watching the log.
func (l *Watcher) Cleanup() error {
	if l.tail == nil {
		return nil
	}

	// Wait for two polling rounds to complete before stopping so that the watcher had the time to
	// process any remaining bits.
	time.Sleep(2 * watch.POLL_DURATION)

	_ = l.tail.Stop()
	l.tail = nil
	return nil
}

// Errors returns a channel that is used to receive any errors
// encountered by the handlers while watching the log.
func (l *Watcher) Errors() <-chan error {
	return l.errCh
}

// NewWatcher creates a new log watcher. The file does not need to exist yet.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	t, err := tail.TailFile(cfg.File, tail.Config{
		ReOpen:    true,
		Poll:      true, // Product logs may live on a FUSE mount.
		Follow:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("log: failed to tail file: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)

		var err error
		for line := range t.Lines {
			if l := line.Text; l != "" && err == nil {
				for _, h := range cfg.Handlers {
					if err = h.Line(l); err != nil {
						break
					}
				}
			}
		}
		if err == nil {
			for _, h := range cfg.Handlers {
				if err = h.Finish(); err != nil {
					break
				}
			}
		}

		errCh <- err
	}()

	return &Watcher{
		name:  cfg.Name,
		tail:  t,
		errCh: errCh,
	}, nil
}

type assertHandlerFactory struct {
	substr  string
	message string
	present bool
}

func (fac *assertHandlerFactory) New() (WatcherHandler, error) {
	return &assertHandler{fac: fac}, nil
}

type assertHandler struct {
	fac  *assertHandlerFactory
	seen bool
}

func (h *assertHandler) Line(line string) error {
	if !strings.Contains(line, h.fac.substr) {
		return nil
	}
	if !h.fac.present {
		return fmt.Errorf("log: %s: %s", h.fac.message, line)
	}
	h.seen = true
	return nil
}

func (h *assertHandler) Finish() error {
	if h.fac.present && !h.seen {
		return fmt.Errorf("log: %s", h.fac.message)
	}
	return nil
}

// AssertContains returns a handler factory whose handlers fail on Finish
// unless some line contains substr.
func AssertContains(substr, message string) WatcherHandlerFactory {
	return &assertHandlerFactory{substr: substr, message: message, present: true}
}

// AssertNotContains returns a handler factory whose handlers fail on the
// first line containing substr.
func AssertNotContains(substr, message string) WatcherHandlerFactory {
	return &assertHandlerFactory{substr: substr, message: message}
}
