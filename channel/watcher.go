package channel

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

// DefaultPollInterval matches the half-second cadence both processes use on a file store.
const DefaultPollInterval = 500 * time.Millisecond

// Accept reports whether a present record is the one being waited for. A nil Accept takes
// any record.
type Accept func(Record) bool

// Watcher waits for records to appear. It blocks on store notifications when the store is
// a Notifier and polls otherwise. Watching never mutates the store.
type Watcher struct {
	store    Store
	interval time.Duration
	log      *log.Logger
}

// NewWatcher returns a watcher over store. A non-positive interval uses DefaultPollInterval.
func NewWatcher(store Store, interval time.Duration, logger *log.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Watcher{store: store, interval: interval, log: logger}
}

// Check looks once at each name in order and returns the first accepted record.
// Malformed records are treated as absent.
func (w *Watcher) Check(ctx context.Context, accept Accept, names ...string) (Record, bool, error) {
	for _, name := range names {
		rec, err := w.store.Get(ctx, name)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrMalformedRecord):
			w.log.Printf("Ignoring unreadable record %s: %v", name, err)
			continue
		case err != nil:
			return Record{}, false, err
		}
		if accept == nil || accept(rec) {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// Wait blocks until name holds an accepted record or ctx is done.
func (w *Watcher) Wait(ctx context.Context, name string, accept Accept) (Record, error) {
	return w.WaitAny(ctx, accept, name)
}

// WaitAny blocks until one of names holds an accepted record or ctx is done. When several
// are present, the earliest name in the list wins.
func (w *Watcher) WaitAny(ctx context.Context, accept Accept, names ...string) (Record, error) {
	var wake <-chan struct{}
	if n, ok := w.store.(Notifier); ok {
		ch, cancel, err := n.Subscribe(ctx, names...)
		if err != nil {
			w.log.Printf("Notification unavailable, polling: %v", err)
		} else {
			defer cancel()
			wake = ch
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		rec, ok, err := w.Check(ctx, accept, names...)
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			w.log.Printf("Store read failed, retrying: %v", err)
		} else if ok {
			return rec, nil
		}

		// The ticker stays armed with notifications too: it covers a dropped subscription.
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}
