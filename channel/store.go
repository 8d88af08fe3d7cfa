package channel

import "context"

// Store is the shared durable store. Put must make a record visible atomically: a reader
// sees either the previous record or the complete new one.
type Store interface {
	// Put writes rec under rec.Name, assigns the next sequence number and returns the
	// stored record.
	Put(ctx context.Context, rec Record) (Record, error)
	// Get reads a record. It never mutates the store.
	Get(ctx context.Context, name string) (Record, error)
	// Delete removes a record, returning ErrNotFound if absent.
	Delete(ctx context.Context, name string) error
	// DeleteSeq removes a record only if it still carries sequence number seq, as one
	// atomic step. It returns ErrSuperseded, leaving the record in place, when a newer
	// one has replaced it.
	DeleteSeq(ctx context.Context, name string, seq uint64) error
	// Exists reports whether a record is present.
	Exists(ctx context.Context, name string) (bool, error)
	// Purge removes every record. Sequence counters survive.
	Purge(ctx context.Context) error
	// Close releases the store.
	Close() error
}

// Notifier is implemented by stores that can wake a waiter in another process when a
// record is written.
type Notifier interface {
	// Subscribe returns a channel receiving a value after each Put to one of names, and a
	// function releasing the subscription.
	Subscribe(ctx context.Context, names ...string) (<-chan struct{}, func(), error)
}
