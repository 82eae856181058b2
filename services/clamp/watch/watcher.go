// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch observes telemetry directories for new session files.
//
// A recording run can land dozens of session files in quick succession;
// subscribers (typically a re-accumulation loop) want one nudge per
// burst, not one per file. Events are coalesced and released through a
// rate limiter.
package watch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// DefaultDebounce is the minimum spacing between delivered events.
const DefaultDebounce = 500 * time.Millisecond

// Event is one delivered session-directory change.
type Event struct {
	// Path of the session file that changed.
	Path string

	// Op names the filesystem operation ("create", "write", "rename").
	Op string

	// At is the delivery timestamp, UTC.
	At time.Time
}

// Watcher delivers debounced session-file events to subscribers.
//
// # Description
//
// Wraps fsnotify with a .json filter and a token-bucket limiter: a burst
// of session writes collapses into at most one event per debounce
// interval, with the trailing change always delivered. Subscribers that
// fall behind lose events rather than blocking delivery.
type Watcher struct {
	log     *slog.Logger
	fsw     *fsnotify.Watcher
	limiter *rate.Limiter
	kick    chan Event

	mu   sync.Mutex
	subs []chan Event
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce sets the minimum spacing between delivered events.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// New builds a Watcher. Close it when done.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		log:     slog.Default(),
		fsw:     fsw,
		limiter: rate.NewLimiter(rate.Every(DefaultDebounce), 1),
		kick:    make(chan Event, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add registers a directory to observe.
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Subscribe returns a channel receiving debounced events.
//
// Description:
//
//	The channel is buffered; when the buffer is full new events are
//	dropped for that subscriber. Subscribe before Run to avoid missing
//	the first burst.
func (w *Watcher) Subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Run processes filesystem events until ctx is cancelled or the watcher
// is closed.
//
// Description:
//
//	Only .json files trigger delivery; lock sidecars and editor temp
//	files are ignored. Filesystem errors are logged and watching
//	continues.
//
// Thread Safety: Call Run once; Subscribe and Add are safe concurrently.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.notify(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isSessionFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			e := Event{Path: ev.Name, Op: opString(ev.Op), At: time.Now().UTC()}
			select {
			case w.kick <- e:
			default:
				// A delivery is already pending; this burst coalesces
				// into it.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) notify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.kick:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.mu.Lock()
			subs := slices.Clone(w.subs)
			w.mu.Unlock()
			for _, ch := range subs {
				select {
				case ch <- e:
				default:
					w.log.Debug("subscriber lagging, event dropped",
						slog.String("path", e.Path))
				}
			}
		}
	}
}

// Close stops the underlying filesystem watcher; Run returns afterwards.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func isSessionFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Rename != 0:
		return "rename"
	default:
		return op.String()
	}
}
