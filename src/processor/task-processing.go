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

// Package processor sequences one accepted task through generation,
// commit, publish and notification, recording every transition in the
// status store.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/archive"
	"github.com/23f3003674/TDS-PROJECT-1/src/generator"
	"github.com/23f3003674/TDS-PROJECT-1/src/githosting"
	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
	"github.com/23f3003674/TDS-PROJECT-1/src/notifier"
	"github.com/23f3003674/TDS-PROJECT-1/src/store"
)

// notifyGrace bounds the final callback after the task budget is spent.
const notifyGrace = 45 * time.Second

type Options struct {
	Budget        time.Duration
	MaxConcurrent int
}

type Processor struct {
	store     store.Store
	generator *generator.Generator
	hosting   *githosting.Manager
	notifier  *notifier.Notifier
	artifacts *archive.ArtifactStore
	stats     *logging.WorkerStats

	budget time.Duration
	sem    chan struct{}

	mu        sync.Mutex
	nameLocks map[string]*sync.Mutex
	bindings  map[string]string // taskName -> resolved repository name

	wg sync.WaitGroup
}

func New(st store.Store, gen *generator.Generator, hosting *githosting.Manager, ntf *notifier.Notifier, artifacts *archive.ArtifactStore, stats *logging.WorkerStats, opts Options) *Processor {
	if opts.Budget <= 0 {
		opts.Budget = 4 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Processor{
		store:     st,
		generator: gen,
		hosting:   hosting,
		notifier:  ntf,
		artifacts: artifacts,
		stats:     stats,
		budget:    opts.Budget,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		nameLocks: make(map[string]*sync.Mutex),
		bindings:  make(map[string]string),
	}
}

func (p *Processor) Ready() bool {
	return p.store != nil && p.generator != nil && p.hosting != nil
}

// Accept validates the request, creates the queued record and schedules
// the pipeline. It returns quickly and never blocks on a stage.
func (p *Processor) Accept(req model.TaskRequest) (model.TaskRecord, error) {
	if err := req.Validate(); err != nil {
		return model.TaskRecord{}, err
	}

	rec := model.TaskRecord{
		Nonce:          req.Nonce,
		TaskName:       req.Task,
		Round:          req.Round,
		Email:          req.Email,
		Brief:          req.Brief,
		Attachments:    generator.DecodeAttachments(req.Attachments),
		Checks:         req.Checks,
		EvaluationURL:  req.EvaluationURL,
		CallerEndpoint: req.Endpoint,
		State:          model.StateQueued,
		Message:        "Task accepted and queued for processing",
	}
	if err := p.store.Create(context.Background(), &rec); err != nil {
		return model.TaskRecord{}, err
	}
	p.stats.Add(1, 0, 0, 0, 0)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(rec.Nonce)
	}()
	return rec, nil
}

// Wait blocks until all in-flight tasks reach a terminal state. Used by
// shutdown and tests.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// run executes the pipeline for one record. The wall-clock budget is the
// cancellation authority: once the context expires the current stage is
// abandoned, the record fails with BudgetExceeded, and the callback still
// fires on a fresh context.
func (p *Processor) run(nonce string) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), p.budget)
	defer cancel()

	rec, ok, err := p.store.Get(ctx, nonce)
	if err != nil || !ok {
		logging.Log(fmt.Sprintf("[%s] record vanished before processing: %v", nonce, err), slog.LevelError)
		return
	}

	// Stage 1: generation. Total, never fatal.
	p.transition(nonce, model.StateGenerating, "Generating code...")
	artifact, usedFallback := p.generator.Generate(ctx, rec.Brief, rec.Attachments, rec.Checks, rec.TaskName)
	if usedFallback {
		p.stats.Add(0, 0, 0, 1, 0)
	}
	if p.overBudget(ctx, nonce, &rec) {
		return
	}
	p.update(nonce, func(r *model.TaskRecord) { r.Artifact = artifact })
	rec.Artifact = artifact

	// Stage 2: repository + atomic commit.
	p.transition(nonce, model.StateCommitting, "Committing code to repository...")
	repo, err := p.resolveRepository(ctx, &rec)
	if err != nil {
		p.fail(nonce, &rec, model.AsTaskError(err, model.ErrKindRepositoryUnavailable))
		return
	}
	p.update(nonce, func(r *model.TaskRecord) {
		r.RepositoryName = repo.Name
		r.RepositoryURL = repo.HTMLURL
	})
	rec.RepositoryName = repo.Name
	rec.RepositoryURL = repo.HTMLURL

	sha, err := p.hosting.CommitFiles(ctx, repo, commitFiles(&rec, repo, artifact), commitMessage(&rec))
	if err != nil {
		if p.overBudget(ctx, nonce, &rec) {
			return
		}
		p.fail(nonce, &rec, model.AsTaskError(err, model.ErrKindRepositoryUnavailable))
		return
	}
	p.update(nonce, func(r *model.TaskRecord) { r.CommitSHA = sha })
	rec.CommitSHA = sha
	if p.overBudget(ctx, nonce, &rec) {
		return
	}

	// Stage 3: pages. Failure degrades; the derived URL is still usable
	// information for the caller.
	p.transition(nonce, model.StatePublishing, "Enabling GitHub Pages...")
	pagesURL, pagesErr := p.hosting.EnsurePages(ctx, repo)
	message := "Pages enabled"
	if pagesErr != nil {
		message = fmt.Sprintf("Pages publish degraded: %v", pagesErr)
		logging.Log(fmt.Sprintf("[%s] %s", nonce, message), slog.LevelWarn)
	}
	p.update(nonce, func(r *model.TaskRecord) {
		r.PagesURL = pagesURL
		r.Message = message
	})
	rec.PagesURL = pagesURL
	if p.overBudget(ctx, nonce, &rec) {
		return
	}

	if p.artifacts != nil {
		if err := p.artifacts.StoreArtifact(ctx, rec.TaskName, rec.Round, artifact); err != nil {
			logging.Log(fmt.Sprintf("[%s] artifact archival failed: %v", nonce, err), slog.LevelWarn)
		}
	}

	// Stage 4: notification, then terminal state.
	p.transition(nonce, model.StateNotifying, "Submitting result to evaluation...")
	notifyErr := p.notify(&rec, model.StateCompleted, nil)

	finalMessage := fmt.Sprintf("Round %d completed", rec.Round)
	if notifyErr != nil {
		finalMessage = fmt.Sprintf("Round %d completed; %v", rec.Round, notifyErr)
	}
	p.update(nonce, func(r *model.TaskRecord) {
		r.State = model.StateCompleted
		r.Message = finalMessage
	})
	p.stats.Add(0, 1, 0, 0, 0)
	logging.Log(fmt.Sprintf("[%s] task completed: %s", nonce, rec.PagesURL), slog.LevelInfo)
}

// resolveRepository serializes name resolution per task name so two
// concurrent rounds cannot race on the same repository, and records the
// binding for later rounds.
func (p *Processor) resolveRepository(ctx context.Context, rec *model.TaskRecord) (githosting.Repo, error) {
	lock := p.nameLock(rec.TaskName)
	lock.Lock()
	defer lock.Unlock()

	bound := p.binding(rec.TaskName)
	if bound == "" && rec.Round >= 2 {
		// Round 1 may have run in a previous process; the store is the
		// fallback source for the binding.
		if records, err := p.store.List(ctx); err == nil {
			for _, r := range records {
				if r.TaskName == rec.TaskName && r.RepositoryName != "" {
					bound = r.RepositoryName
					break
				}
			}
		}
	}

	repo, err := p.hosting.EnsureRepository(ctx, rec.TaskName, rec.Email, rec.Round, bound)
	if err != nil {
		return githosting.Repo{}, err
	}

	p.mu.Lock()
	p.bindings[rec.TaskName] = repo.Name
	p.mu.Unlock()
	return repo, nil
}

func (p *Processor) nameLock(taskName string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.nameLocks[taskName]
	if !ok {
		lock = &sync.Mutex{}
		p.nameLocks[taskName] = lock
	}
	return lock
}

func (p *Processor) binding(taskName string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindings[taskName]
}

// overBudget finalizes the record as BudgetExceeded when the task context
// has expired. Late stage results are discarded by the caller returning.
func (p *Processor) overBudget(ctx context.Context, nonce string, rec *model.TaskRecord) bool {
	if ctx.Err() == nil {
		return false
	}
	p.fail(nonce, rec, model.NewTaskError(model.ErrKindBudgetExceeded,
		"task abandoned after %s", p.budget))
	return true
}

// fail flips the record to failed and still reports the outcome to the
// caller on a fresh context.
func (p *Processor) fail(nonce string, rec *model.TaskRecord, taskErr *model.TaskError) {
	logging.Log(fmt.Sprintf("[%s] task failed: %v", nonce, taskErr), slog.LevelError)
	p.update(nonce, func(r *model.TaskRecord) {
		r.State = model.StateFailed
		r.Error = taskErr
		r.Message = taskErr.Message
	})
	p.stats.Add(0, 0, 1, 0, 0)

	if updated, ok, err := p.store.Get(context.Background(), nonce); err == nil && ok {
		*rec = updated
	}
	p.notify(rec, model.StateFailed, taskErr)
}

// notify delivers the result on its own bounded context so a spent task
// budget cannot suppress the callback. Delivery failure is recorded, not
// propagated.
func (p *Processor) notify(rec *model.TaskRecord, status model.TaskState, taskErr *model.TaskError) error {
	ctx, cancel := context.WithTimeout(context.Background(), notifyGrace)
	defer cancel()

	result := model.Result{
		Email:     rec.Email,
		Task:      rec.TaskName,
		Round:     rec.Round,
		Nonce:     rec.Nonce,
		Status:    status,
		RepoURL:   rec.RepositoryURL,
		CommitSHA: rec.CommitSHA,
		PagesURL:  rec.PagesURL,
		Error:     taskErr,
		Timestamp: time.Now().UTC(),
	}
	err := p.notifier.Notify(ctx, rec.EvaluationURL, result)
	if err != nil {
		logging.Log(fmt.Sprintf("[%s] %v", rec.Nonce, err), slog.LevelError)
		p.stats.Add(0, 0, 0, 0, 1)
	}
	return err
}

func (p *Processor) transition(nonce string, state model.TaskState, message string) {
	p.update(nonce, func(r *model.TaskRecord) {
		r.State = state
		r.Message = message
	})
}

func (p *Processor) update(nonce string, mutate func(*model.TaskRecord)) {
	err := p.store.Update(context.Background(), nonce, func(r *model.TaskRecord) error {
		mutate(r)
		return nil
	})
	if err != nil {
		logging.Log(fmt.Sprintf("[%s] status update failed: %v", nonce, err), slog.LevelError)
	}
}
