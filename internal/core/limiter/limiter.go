// Package limiter bounds the number of copy operations running at once across
// every worker of a deployment.
package limiter

import (
	"context"
	"errors"
)

// Limiter is a distributed counting semaphore.
//
// For any interleaving of Acquire and Release calls the number of successful
// acquires not yet released never exceeds the limit, and Count never goes
// below zero.
type Limiter interface {
	// Acquire takes one slot if fewer than limit are held. A full limiter is
	// reported as (false, nil), not as an error.
	Acquire(ctx context.Context, limit int) (bool, error)
	// Release gives one slot back. Releasing more often than acquiring leaves
	// the counter at zero.
	Release(ctx context.Context) error
	// Count returns the number of slots held.
	Count(ctx context.Context) (int, error)
}

var (
	// ErrConflict is returned by a VersionedStore when the record changed
	// since it was read.
	ErrConflict = errors.New("version conflict")
	// ErrExists is returned by a VersionedStore when creating a record that
	// another writer created first.
	ErrExists = errors.New("record already exists")
	// ErrContended is returned when conflict retries are exhausted.
	ErrContended = errors.New("limiter contended")
)

// Record is a versioned counter.
type Record struct {
	Count   int
	Version int64
}

// VersionedStore persists counter records with optimistic concurrency.
type VersionedStore interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, name string) (Record, bool, error)
	// Create inserts a record at version 1, failing with ErrExists.
	Create(ctx context.Context, name string, count int) error
	// Update writes count if the stored version still equals version, failing
	// with ErrConflict otherwise.
	Update(ctx context.Context, name string, version int64, count int) error
}
