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

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/config"
	"github.com/23f3003674/TDS-PROJECT-1/src/generator"
	"github.com/23f3003674/TDS-PROJECT-1/src/githosting"
	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
	"github.com/23f3003674/TDS-PROJECT-1/src/notifier"
	"github.com/23f3003674/TDS-PROJECT-1/src/processor"
	"github.com/23f3003674/TDS-PROJECT-1/src/store"
)

type testAPI struct {
	srv   *httptest.Server
	store *store.MemoryStore
	proc  *processor.Processor
	eval  string
}

func newTestAPI(t *testing.T, secret string) *testAPI {
	t.Helper()

	eval := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(eval.Close)

	st := store.NewMemoryStore()
	proc := processor.New(st,
		generator.New(generator.Config{}),
		// Unreachable hosting: background pipelines fail fast, which is
		// fine because the handlers answer before the pipeline runs.
		githosting.New(githosting.Config{
			Token:      "t",
			Username:   "octo",
			APIBaseURL: "http://127.0.0.1:1",
			MaxRetries: 1,
			RetryBase:  time.Millisecond,
		}),
		notifier.New(time.Second, 1, time.Millisecond),
		nil,
		logging.NewWorkerStats("test"),
		processor.Options{})

	cfg := &config.Config{Port: "0", Secret: secret, GitHubToken: "t", GitHubUsername: "octo"}
	api := NewAPIServer(cfg, st, proc, logging.NewWorkerStats("test"))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		proc.Wait()
	})
	return &testAPI{srv: srv, store: st, proc: proc, eval: eval.URL}
}

func (a *testAPI) submit(t *testing.T, req model.TaskRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(a.srv.URL+"/task", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /task: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) validRequest(nonce string) model.TaskRequest {
	return model.TaskRequest{
		Email:         "student@example.com",
		Task:          "demo",
		Round:         1,
		Nonce:         nonce,
		Brief:         "a page",
		EvaluationURL: a.eval,
		Secret:        "s3cret",
	}
}

func TestTaskAccepted(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp := api.submit(t, api.validRequest("n-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out TaskResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out.Status != "accepted" || out.Nonce != "n-1" {
		t.Errorf("response = %+v", out)
	}
}

func TestTaskInvalidSecret(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	req := api.validRequest("n-1")
	req.Secret = "wrong"
	if resp := api.submit(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if _, ok, _ := api.store.Get(t.Context(), "n-1"); ok {
		t.Error("rejected submission must not create a record")
	}
}

func TestTaskEmptyConfiguredSecretRejectsAll(t *testing.T) {
	api := newTestAPI(t, "")
	req := api.validRequest("n-1")
	req.Secret = ""
	if resp := api.submit(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTaskDuplicateNonce(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	if resp := api.submit(t, api.validRequest("n-dup")); resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: %d", resp.StatusCode)
	}
	if resp := api.submit(t, api.validRequest("n-dup")); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestTaskValidationError(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	req := api.validRequest("n-1")
	req.Brief = ""
	if resp := api.submit(t, req); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTaskMalformedBody(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp, err := http.Post(api.srv.URL+"/task", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	api.submit(t, api.validRequest("n-status"))

	resp, err := http.Get(api.srv.URL + "/status/n-status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view model.StatusView
	_ = json.NewDecoder(resp.Body).Decode(&view)
	if view.Nonce != "n-status" || view.Task != "demo" || !view.State.Valid() {
		t.Errorf("view = %+v", view)
	}
}

func TestStatusUnknownNonce(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp, err := http.Get(api.srv.URL + "/status/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListEndpoint(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	api.submit(t, api.validRequest("n-a"))
	api.submit(t, api.validRequest("n-b"))

	resp, err := http.Get(api.srv.URL + "/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Total int                `json:"total"`
		Tasks []model.StatusView `json:"tasks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out.Total != 2 || len(out.Tasks) != 2 {
		t.Errorf("list = %+v", out)
	}
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp, err := http.Get(api.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "healthy" || out["processor_ready"] != true || out["github_configured"] != true {
		t.Errorf("health = %+v", out)
	}
}

func TestStatsEndpoint(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp, err := http.Get(api.srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap logging.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != "test" {
		t.Errorf("snapshot id = %s", snap.ID)
	}
}

func TestRootEndpoint(t *testing.T) {
	api := newTestAPI(t, "s3cret")
	resp, err := http.Get(api.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
