// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrDuplicateNonce  = errors.New("nonce already exists")
	ErrStateRegression = errors.New("backward state transition")
)

// Store is the concurrency-safe mapping from nonce to TaskRecord. Update
// serializes all mutations of a single record; reads and writes of
// different records proceed independently.
type Store interface {
	Create(ctx context.Context, rec *model.TaskRecord) error
	Get(ctx context.Context, nonce string) (model.TaskRecord, bool, error)
	List(ctx context.Context) ([]model.TaskRecord, error)
	Update(ctx context.Context, nonce string, mutate func(*model.TaskRecord) error) error
}

// apply runs mutate against a copy of prev and enforces the record
// invariants: forward-only state transitions, write-once repository and
// pages URLs, immutable identity fields. Both backends share it.
func apply(prev model.TaskRecord, mutate func(*model.TaskRecord) error) (model.TaskRecord, error) {
	next := prev
	if err := mutate(&next); err != nil {
		return prev, err
	}
	if next.State != prev.State && !prev.State.CanTransition(next.State) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrStateRegression, prev.State, next.State)
	}
	// Identity and write-once fields: first value wins.
	next.Nonce = prev.Nonce
	next.TaskName = prev.TaskName
	next.Round = prev.Round
	next.CreatedAt = prev.CreatedAt
	if prev.RepositoryURL != "" {
		next.RepositoryURL = prev.RepositoryURL
	}
	if prev.PagesURL != "" {
		next.PagesURL = prev.PagesURL
	}
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

type memoryEntry struct {
	mu  sync.Mutex
	rec model.TaskRecord
}

// MemoryStore is the default in-process backend. A read lock on the outer
// map plus a per-entry mutex gives one writer at a time per nonce while
// leaving other nonces untouched.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Create(_ context.Context, rec *model.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[rec.Nonce]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNonce, rec.Nonce)
	}
	r := *rec
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.entries[r.Nonce] = &memoryEntry{rec: r}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, nonce string) (model.TaskRecord, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[nonce]
	m.mu.RUnlock()
	if !ok {
		return model.TaskRecord{}, false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]model.TaskRecord, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]model.TaskRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, nonce string, mutate func(*model.TaskRecord) error) error {
	m.mu.RLock()
	entry, ok := m.entries[nonce]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nonce)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	next, err := apply(entry.rec, mutate)
	if err != nil {
		return err
	}
	entry.rec = next
	return nil
}
