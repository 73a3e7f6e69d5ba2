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
	"sync"
	"testing"

	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

func newRecord(nonce string) model.TaskRecord {
	return model.TaskRecord{
		Nonce:         nonce,
		TaskName:      "markdown-to-html",
		Round:         1,
		Email:         "student@example.com",
		Brief:         "build a page",
		EvaluationURL: "https://example.com/eval",
		State:         model.StateQueued,
	}
}

func TestCreateAndGet(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("n-1")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := st.Get(ctx, "n-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.TaskName != "markdown-to-html" || got.State != model.StateQueued {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on create")
	}

	if _, ok, _ := st.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown nonce")
	}
}

func TestDuplicateNonce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("n-dup")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	again := newRecord("n-dup")
	if err := st.Create(ctx, &again); !errors.Is(err, ErrDuplicateNonce) {
		t.Errorf("expected ErrDuplicateNonce, got %v", err)
	}
}

func TestUpdateForwardOnly(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("n-fwd")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := st.Update(ctx, "n-fwd", func(r *model.TaskRecord) error {
		r.State = model.StateGenerating
		return nil
	})
	if err != nil {
		t.Fatalf("forward update: %v", err)
	}

	err = st.Update(ctx, "n-fwd", func(r *model.TaskRecord) error {
		r.State = model.StateQueued
		return nil
	})
	if !errors.Is(err, ErrStateRegression) {
		t.Errorf("expected ErrStateRegression, got %v", err)
	}

	got, _, _ := st.Get(ctx, "n-fwd")
	if got.State != model.StateGenerating {
		t.Errorf("rejected update must not change state, got %s", got.State)
	}
}

func TestTerminalStateSticks(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("n-term")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Update(ctx, "n-term", func(r *model.TaskRecord) error {
		r.State = model.StateFailed
		return nil
	}); err != nil {
		t.Fatalf("fail update: %v", err)
	}

	err := st.Update(ctx, "n-term", func(r *model.TaskRecord) error {
		r.State = model.StateCompleted
		return nil
	})
	if !errors.Is(err, ErrStateRegression) {
		t.Errorf("expected terminal state to be absorbing, got %v", err)
	}
}

func TestWriteOnceURLs(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("n-urls")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Update(ctx, "n-urls", func(r *model.TaskRecord) error {
		r.RepositoryURL = "https://github.com/u/first"
		r.PagesURL = "https://u.github.io/first/"
		return nil
	}); err != nil {
		t.Fatalf("first write: %v", err)
	}

	if err := st.Update(ctx, "n-urls", func(r *model.TaskRecord) error {
		r.RepositoryURL = "https://github.com/u/second"
		r.PagesURL = "https://u.github.io/second/"
		r.Nonce = "hijack"
		r.Round = 9
		return nil
	}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, _, _ := st.Get(ctx, "n-urls")
	if got.RepositoryURL != "https://github.com/u/first" {
		t.Errorf("repository URL overwritten: %s", got.RepositoryURL)
	}
	if got.PagesURL != "https://u.github.io/first/" {
		t.Errorf("pages URL overwritten: %s", got.PagesURL)
	}
	if got.Nonce != "n-urls" || got.Round != 1 {
		t.Errorf("identity fields mutated: nonce=%s round=%d", got.Nonce, got.Round)
	}
}

func TestUpdateUnknownNonce(t *testing.T) {
	st := NewMemoryStore()
	err := st.Update(context.Background(), "ghost", func(r *model.TaskRecord) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMutateErrorLeavesRecord(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("n-err")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	err := st.Update(ctx, "n-err", func(r *model.TaskRecord) error {
		r.Message = "should not persist"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error returned, got %v", err)
	}
	got, _, _ := st.Get(ctx, "n-err")
	if got.Message == "should not persist" {
		t.Error("failed mutation was persisted")
	}
}

func TestListOrdering(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("n-%d", i))
		if err := st.Create(ctx, &rec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	records, err := st.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.Before(records[i-1].CreatedAt) {
			t.Error("records not ordered by creation time")
		}
	}
}

func TestConcurrentUpdates(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("n-conc")
	if err := st.Create(ctx, &rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Update(ctx, "n-conc", func(r *model.TaskRecord) error {
				r.Message = "touched"
				return nil
			})
			_, _, _ = st.Get(ctx, "n-conc")
		}()
	}
	wg.Wait()

	got, ok, err := st.Get(ctx, "n-conc")
	if err != nil || !ok {
		t.Fatalf("get after churn: ok=%v err=%v", ok, err)
	}
	if got.Message != "touched" {
		t.Errorf("message = %q", got.Message)
	}
}
