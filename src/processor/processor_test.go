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

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/generator"
	"github.com/23f3003674/TDS-PROJECT-1/src/githosting"
	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
	"github.com/23f3003674/TDS-PROJECT-1/src/notifier"
	"github.com/23f3003674/TDS-PROJECT-1/src/store"
)

// hostingStub is a minimal hosting API: enough state to create
// repositories, walk the blob/tree/commit/ref sequence and enable pages.
type hostingStub struct {
	mu        sync.Mutex
	user      string
	repos     map[string]bool
	heads     map[string]string
	commits   int
	failPages bool
}

func newHostingStub(user string) *hostingStub {
	return &hostingStub{user: user, repos: make(map[string]bool), heads: make(map[string]string)}
}

func (h *hostingStub) repoCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.repos)
}

func (h *hostingStub) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}

	mux.HandleFunc("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.repos[req.Name] {
			reply(w, http.StatusUnprocessableEntity, map[string]string{"message": "name already exists"})
			return
		}
		h.repos[req.Name] = true
		h.heads[req.Name] = "commit-init"
		reply(w, http.StatusCreated, map[string]string{
			"name":      req.Name,
			"full_name": h.user + "/" + req.Name,
			"html_url":  "https://github.com/" + h.user + "/" + req.Name,
		})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		ok := h.repos[r.PathValue("repo")]
		h.mu.Unlock()
		if !ok {
			reply(w, http.StatusNotFound, nil)
			return
		}
		reply(w, http.StatusOK, map[string]string{"name": r.PathValue("repo")})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/ref/heads/{branch}", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		head := h.heads[r.PathValue("repo")]
		h.mu.Unlock()
		if head == "" {
			reply(w, http.StatusNotFound, nil)
			return
		}
		reply(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": head}})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"sha":  r.PathValue("sha"),
			"tree": map[string]string{"sha": "tree-of-" + r.PathValue("sha")},
		})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusCreated, map[string]string{"sha": "blob-sha"})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/trees", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.commits++
		sha := fmt.Sprintf("tree-%d", h.commits)
		h.mu.Unlock()
		reply(w, http.StatusCreated, map[string]string{"sha": sha})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/commits", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		sha := fmt.Sprintf("commit-%d", h.commits)
		h.mu.Unlock()
		reply(w, http.StatusCreated, map[string]string{"sha": sha})
	})
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/heads/{branch}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SHA string `json:"sha"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.mu.Lock()
		h.heads[r.PathValue("repo")] = req.SHA
		h.mu.Unlock()
		reply(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/pages", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		fail := h.failPages
		h.mu.Unlock()
		if fail {
			reply(w, http.StatusInternalServerError, map[string]string{"message": "pages backend down"})
			return
		}
		reply(w, http.StatusCreated, nil)
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/pages", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]string{
			"html_url": fmt.Sprintf("https://%s.github.io/%s/", h.user, r.PathValue("repo")),
		})
	})
	return mux
}

// callbackSink records delivered results.
type callbackSink struct {
	mu      sync.Mutex
	results []model.Result
}

func (c *callbackSink) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res model.Result
		_ = json.NewDecoder(r.Body).Decode(&res)
		c.mu.Lock()
		c.results = append(c.results, res)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *callbackSink) last(t *testing.T) model.Result {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		t.Fatal("no callback delivered")
	}
	return c.results[len(c.results)-1]
}

type fixture struct {
	proc  *Processor
	store *store.MemoryStore
	stub  *hostingStub
	sink  *callbackSink
	eval  string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	stub := newHostingStub("octo")
	apiSrv := httptest.NewServer(stub.handler())
	t.Cleanup(apiSrv.Close)

	sink := &callbackSink{}
	evalSrv := sink.server(t)

	st := store.NewMemoryStore()
	proc := New(st,
		generator.New(generator.Config{}), // unconfigured: deterministic fallback
		githosting.New(githosting.Config{
			Token:      "t",
			Username:   "octo",
			APIBaseURL: apiSrv.URL,
			MaxRetries: 2,
			RetryBase:  time.Millisecond,
		}),
		notifier.New(5*time.Second, 2, time.Millisecond),
		nil,
		logging.NewWorkerStats("test"),
		opts)
	return &fixture{proc: proc, store: st, stub: stub, sink: sink, eval: evalSrv.URL}
}

func (f *fixture) request(nonce string, round int) model.TaskRequest {
	return model.TaskRequest{
		Email:         "student@example.com",
		Task:          "demo",
		Round:         round,
		Nonce:         nonce,
		Brief:         "Create a page with h1#title and button#btn",
		EvaluationURL: f.eval,
	}
}

func TestRoundOneCompletes(t *testing.T) {
	f := newFixture(t, Options{})

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.proc.Wait()

	rec, ok, _ := f.store.Get(context.Background(), "n-1")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.State != model.StateCompleted {
		t.Fatalf("state = %s (%s)", rec.State, rec.Message)
	}
	if rec.RepositoryURL == "" || rec.PagesURL == "" || rec.CommitSHA == "" {
		t.Errorf("missing outputs: %+v", rec.View())
	}
	if !strings.Contains(rec.Artifact, `id="title"`) || !strings.Contains(rec.Artifact, `id="btn"`) {
		t.Error("artifact missing required element ids")
	}

	res := f.sink.last(t)
	if res.Status != model.StateCompleted || res.Nonce != "n-1" || res.Task != "demo" || res.Round != 1 {
		t.Errorf("callback = %+v", res)
	}
	if res.PagesURL == "" || res.RepoURL == "" {
		t.Errorf("callback missing urls: %+v", res)
	}
}

func TestRoundTwoReusesRepository(t *testing.T) {
	f := newFixture(t, Options{})

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept round 1: %v", err)
	}
	f.proc.Wait()

	revised := f.request("n-2", 2)
	revised.Brief = "Revise the page with h1#headline and button#go"
	if _, err := f.proc.Accept(revised); err != nil {
		t.Fatalf("accept round 2: %v", err)
	}
	f.proc.Wait()

	r1, _, _ := f.store.Get(context.Background(), "n-1")
	r2, _, _ := f.store.Get(context.Background(), "n-2")
	if r2.State != model.StateCompleted {
		t.Fatalf("round 2 state = %s (%s)", r2.State, r2.Message)
	}
	if r1.RepositoryName == "" || r1.RepositoryName != r2.RepositoryName {
		t.Errorf("round 2 repository %q != round 1 repository %q", r2.RepositoryName, r1.RepositoryName)
	}
	if f.stub.repoCount() != 1 {
		t.Errorf("expected exactly one repository, got %d", f.stub.repoCount())
	}
	if !strings.Contains(r2.Artifact, `id="headline"`) || !strings.Contains(r2.Artifact, `id="go"`) {
		t.Error("round 2 artifact does not reflect the revised brief")
	}
}

func TestRoundTwoBindingFromStore(t *testing.T) {
	// A restart between rounds loses the in-memory binding; the store
	// record from round 1 must still steer round 2 to the same repository.
	f := newFixture(t, Options{})

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept round 1: %v", err)
	}
	f.proc.Wait()

	f.proc.mu.Lock()
	f.proc.bindings = make(map[string]string)
	f.proc.mu.Unlock()

	if _, err := f.proc.Accept(f.request("n-2", 2)); err != nil {
		t.Fatalf("accept round 2: %v", err)
	}
	f.proc.Wait()

	if f.stub.repoCount() != 1 {
		t.Errorf("round 2 without binding created a repository, total %d", f.stub.repoCount())
	}
}

func TestHostingUnreachableFailsTask(t *testing.T) {
	f := newFixture(t, Options{})
	// Point the manager at a port nothing listens on.
	f.proc.hosting = githosting.New(githosting.Config{
		Token:      "t",
		Username:   "octo",
		APIBaseURL: "http://127.0.0.1:1",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	})

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.proc.Wait()

	rec, _, _ := f.store.Get(context.Background(), "n-1")
	if rec.State != model.StateFailed {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.Error == nil || rec.Error.Kind != model.ErrKindRepositoryUnavailable {
		t.Errorf("error = %+v", rec.Error)
	}

	res := f.sink.last(t)
	if res.Status != model.StateFailed {
		t.Errorf("callback status = %s", res.Status)
	}
	if res.Error == nil || res.Error.Kind != model.ErrKindRepositoryUnavailable {
		t.Errorf("callback error = %+v", res.Error)
	}
}

func TestPagesFailureDegradesNotFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.stub.failPages = true

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.proc.Wait()

	rec, _, _ := f.store.Get(context.Background(), "n-1")
	if rec.State != model.StateCompleted {
		t.Fatalf("pages failure must not fail the task, state = %s", rec.State)
	}
	if rec.PagesURL != "https://octo.github.io/tds-demo-student/" {
		t.Errorf("derived pages url = %s", rec.PagesURL)
	}

	res := f.sink.last(t)
	if res.Status != model.StateCompleted || res.PagesURL == "" {
		t.Errorf("callback = %+v", res)
	}
}

func TestBudgetExceeded(t *testing.T) {
	f := newFixture(t, Options{Budget: time.Nanosecond})

	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.proc.Wait()

	rec, _, _ := f.store.Get(context.Background(), "n-1")
	if rec.State != model.StateFailed {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.Error == nil || rec.Error.Kind != model.ErrKindBudgetExceeded {
		t.Errorf("error = %+v", rec.Error)
	}

	// The callback is delivered on its own context even though the task
	// budget is long gone.
	res := f.sink.last(t)
	if res.Status != model.StateFailed || res.Error == nil || res.Error.Kind != model.ErrKindBudgetExceeded {
		t.Errorf("callback = %+v", res)
	}
}

func TestDuplicateNonceRejected(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.proc.Accept(f.request("n-1", 1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := f.proc.Accept(f.request("n-1", 2))
	if !errors.Is(err, store.ErrDuplicateNonce) {
		t.Errorf("expected ErrDuplicateNonce, got %v", err)
	}
	f.proc.Wait()
}

func TestInvalidRequestRejected(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.request("n-1", 1)
	req.Brief = ""
	if _, err := f.proc.Accept(req); err == nil {
		t.Error("expected validation error")
	}
	if _, ok, _ := f.store.Get(context.Background(), "n-1"); ok {
		t.Error("rejected request must not create a record")
	}
}

func TestEveryOutcomeIsTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 6; i++ {
		req := f.request(fmt.Sprintf("n-%d", i), 1)
		req.Task = fmt.Sprintf("demo-%d", i)
		if _, err := f.proc.Accept(req); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}
	f.proc.Wait()

	records, _ := f.store.List(context.Background())
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}
	for _, rec := range records {
		if !rec.State.Terminal() {
			t.Errorf("task %s ended in non-terminal state %s", rec.Nonce, rec.State)
		}
	}
}
