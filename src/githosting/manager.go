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

// Package githosting is the Repository Lifecycle Manager and Pages
// Publisher: it resolves repository names, commits files atomically via
// the git data API, and enables static hosting.
package githosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

var ErrNameExists = errors.New("repository name already exists")

type Config struct {
	Token      string
	Username   string
	APIBaseURL string
	Branch     string

	MaxNameAttempts int
	MaxRetries      int
	RetryBase       time.Duration
	HTTPTimeout     time.Duration
}

type Manager struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Manager {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.github.com"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.MaxNameAttempts <= 0 {
		cfg.MaxNameAttempts = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Repo is the handle for a resolved hosting repository.
type Repo struct {
	Name     string
	FullName string
	HTMLURL  string
}

func (m *Manager) repoFor(name string) Repo {
	full := m.cfg.Username + "/" + name
	return Repo{
		Name:     name,
		FullName: full,
		HTMLURL:  "https://github.com/" + full,
	}
}

var repoNameSanitizeRe = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveRepoName maps a logical task name to a hosting repository name:
// tds-{task}-{email local part}, sanitized and capped at 100 characters.
func DeriveRepoName(taskName, email string) string {
	local := email
	if i := strings.Index(email, "@"); i >= 0 {
		local = email[:i]
	}
	name := strings.ToLower("tds-" + taskName + "-" + local)
	name = repoNameSanitizeRe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

// EnsureRepository resolves the repository for a task. bound is the name
// a previous round resolved; when set (or round >= 2) the existing
// repository is reused instead of creating a second one. Creation falls
// back to suffixed names on collisions, bounded by MaxNameAttempts.
func (m *Manager) EnsureRepository(ctx context.Context, taskName, email string, round int, bound string) (Repo, error) {
	description := "TDS Task: " + taskName

	if bound != "" || round >= 2 {
		name := bound
		if name == "" {
			name = DeriveRepoName(taskName, email)
		}
		exists, err := m.checkExists(ctx, name)
		if err != nil {
			return Repo{}, model.AsTaskError(err, model.ErrKindRepositoryUnavailable)
		}
		if exists {
			logging.Log(fmt.Sprintf("reusing existing repository %s for round %d", name, round), slog.LevelInfo)
			return m.repoFor(name), nil
		}
		// Round >= 2 but the repository is gone: recreate under the same
		// name rather than failing the round.
		logging.Log(fmt.Sprintf("round %d repository %s missing, recreating", round, name), slog.LevelWarn)
		repo, err := m.createRepository(ctx, name, description)
		if err == nil {
			return repo, nil
		}
		if !errors.Is(err, ErrNameExists) {
			return Repo{}, model.AsTaskError(err, model.ErrKindRepositoryUnavailable)
		}
	}

	base := DeriveRepoName(taskName, email)
	for attempt := 1; attempt <= m.cfg.MaxNameAttempts; attempt++ {
		name := base
		if attempt > 1 {
			name = base + "-" + strconv.Itoa(attempt)
		}
		repo, err := m.createRepository(ctx, name, description)
		if err == nil {
			return repo, nil
		}
		if errors.Is(err, ErrNameExists) {
			logging.Log(fmt.Sprintf("repository name %s taken, retrying with suffix", name), slog.LevelWarn)
			continue
		}
		return Repo{}, model.AsTaskError(err, model.ErrKindRepositoryUnavailable)
	}
	return Repo{}, model.NewTaskError(model.ErrKindRepositoryNameExhausted,
		"no free repository name for %s after %d attempts", base, m.cfg.MaxNameAttempts)
}

func (m *Manager) checkExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.withRetry(ctx, "lookup "+name, func() error {
		status, _, err := m.do(ctx, http.MethodGet, "/repos/"+m.cfg.Username+"/"+name, nil, nil)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			exists = true
			return nil
		case status == http.StatusNotFound:
			exists = false
			return nil
		default:
			return &httpError{Status: status}
		}
	})
	return exists, err
}

type createRepoResponse struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

func (m *Manager) createRepository(ctx context.Context, name, description string) (Repo, error) {
	payload := map[string]any{
		"name":        name,
		"description": description,
		"private":     false,
		"auto_init":   true,
		"has_issues":  true,
		"has_wiki":    false,
	}
	var created createRepoResponse
	err := m.withRetry(ctx, "create "+name, func() error {
		status, body, err := m.do(ctx, http.MethodPost, "/user/repos", payload, &created)
		if err != nil {
			return err
		}
		if status == http.StatusCreated {
			return nil
		}
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(body), "already exists") {
			return ErrNameExists
		}
		return &httpError{Status: status, Body: body}
	})
	if err != nil {
		return Repo{}, err
	}
	repo := m.repoFor(name)
	if created.HTMLURL != "" {
		repo.HTMLURL = created.HTMLURL
	}
	logging.Log("repository created: "+repo.HTMLURL, slog.LevelInfo)
	return repo, nil
}

type headCommit struct {
	SHA     string
	TreeSHA string
}

// CommitFiles lands all files as one commit on the default branch: blobs,
// then one tree, then one commit, then a ref update. No partial state is
// ever referenced by the branch. Transient failures are retried with
// capped backoff; before each retry the head is re-read so a commit whose
// acknowledgement was lost is detected by its tree SHA and not repeated.
func (m *Manager) CommitFiles(ctx context.Context, repo Repo, files map[string]string, message string) (string, error) {
	var lastTreeSHA string
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if lastTreeSHA != "" {
				if head, err := m.headCommit(ctx, repo); err == nil && head.TreeSHA == lastTreeSHA {
					logging.Log("commit already landed, skipping retry", slog.LevelInfo)
					return head.SHA, nil
				}
			}
			if err := m.sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		sha, treeSHA, err := m.commitOnce(ctx, repo, files, message)
		if err == nil {
			return sha, nil
		}
		if treeSHA != "" {
			lastTreeSHA = treeSHA
		}
		if !retryable(err) {
			return "", model.AsTaskError(err, model.ErrKindRepositoryUnavailable)
		}
		logging.Log(fmt.Sprintf("commit attempt %d/%d failed: %v", attempt+1, m.cfg.MaxRetries, err), slog.LevelWarn)
		lastErr = err
	}
	return "", model.NewTaskError(model.ErrKindRepositoryUnavailable,
		"commit to %s failed after %d attempts: %v", repo.FullName, m.cfg.MaxRetries, lastErr)
}

// commitOnce performs one full blob/tree/commit/ref sequence. The tree
// SHA is returned even on failure so the caller can detect a commit that
// landed despite a lost acknowledgement.
func (m *Manager) commitOnce(ctx context.Context, repo Repo, files map[string]string, message string) (sha, treeSHA string, err error) {
	head, headErr := m.headCommit(ctx, repo)
	emptyRepo := false
	if headErr != nil {
		var he *httpError
		if errors.As(headErr, &he) && he.Status == http.StatusNotFound {
			emptyRepo = true
		} else {
			return "", "", headErr
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	type treeEntry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	entries := make([]treeEntry, 0, len(names))
	for _, name := range names {
		var blob struct {
			SHA string `json:"sha"`
		}
		status, body, err := m.do(ctx, http.MethodPost, "/repos/"+repo.FullName+"/git/blobs",
			map[string]string{"content": files[name], "encoding": "utf-8"}, &blob)
		if err != nil {
			return "", "", err
		}
		if status != http.StatusCreated {
			return "", "", &httpError{Status: status, Body: body}
		}
		entries = append(entries, treeEntry{Path: name, Mode: "100644", Type: "blob", SHA: blob.SHA})
	}

	treePayload := map[string]any{"tree": entries}
	if !emptyRepo {
		treePayload["base_tree"] = head.TreeSHA
	}
	var tree struct {
		SHA string `json:"sha"`
	}
	status, body, err := m.do(ctx, http.MethodPost, "/repos/"+repo.FullName+"/git/trees", treePayload, &tree)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusCreated {
		return "", "", &httpError{Status: status, Body: body}
	}

	commitPayload := map[string]any{"message": message, "tree": tree.SHA}
	if !emptyRepo {
		commitPayload["parents"] = []string{head.SHA}
	} else {
		commitPayload["parents"] = []string{}
	}
	var commit struct {
		SHA string `json:"sha"`
	}
	status, body, err = m.do(ctx, http.MethodPost, "/repos/"+repo.FullName+"/git/commits", commitPayload, &commit)
	if err != nil {
		return "", tree.SHA, err
	}
	if status != http.StatusCreated {
		return "", tree.SHA, &httpError{Status: status, Body: body}
	}

	if emptyRepo {
		status, body, err = m.do(ctx, http.MethodPost, "/repos/"+repo.FullName+"/git/refs",
			map[string]string{"ref": "refs/heads/" + m.cfg.Branch, "sha": commit.SHA}, nil)
		if err != nil {
			return "", tree.SHA, err
		}
		if status != http.StatusCreated {
			return "", tree.SHA, &httpError{Status: status, Body: body}
		}
	} else {
		status, body, err = m.do(ctx, http.MethodPatch, "/repos/"+repo.FullName+"/git/refs/heads/"+m.cfg.Branch,
			map[string]any{"sha": commit.SHA, "force": false}, nil)
		if err != nil {
			return "", tree.SHA, err
		}
		if status != http.StatusOK {
			return "", tree.SHA, &httpError{Status: status, Body: body}
		}
	}
	logging.Log(fmt.Sprintf("committed %d files to %s: %s", len(files), repo.FullName, commit.SHA), slog.LevelInfo)
	return commit.SHA, tree.SHA, nil
}

func (m *Manager) headCommit(ctx context.Context, repo Repo) (headCommit, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	status, body, err := m.do(ctx, http.MethodGet, "/repos/"+repo.FullName+"/git/ref/heads/"+m.cfg.Branch, nil, &ref)
	if err != nil {
		return headCommit{}, err
	}
	if status != http.StatusOK {
		return headCommit{}, &httpError{Status: status, Body: body}
	}

	var commit struct {
		SHA  string `json:"sha"`
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	status, body, err = m.do(ctx, http.MethodGet, "/repos/"+repo.FullName+"/git/commits/"+ref.Object.SHA, nil, &commit)
	if err != nil {
		return headCommit{}, err
	}
	if status != http.StatusOK {
		return headCommit{}, &httpError{Status: status, Body: body}
	}
	return headCommit{SHA: ref.Object.SHA, TreeSHA: commit.Tree.SHA}, nil
}

// EnsurePages enables static hosting for the repository and returns its
// public URL. Safe to call every round; already-enabled answers are fine.
// The derived URL is returned alongside any error so callers can degrade.
func (m *Manager) EnsurePages(ctx context.Context, repo Repo) (string, error) {
	derived := fmt.Sprintf("https://%s.github.io/%s/", m.cfg.Username, repo.Name)

	payload := map[string]any{"source": map[string]string{"branch": m.cfg.Branch, "path": "/"}}
	status, body, err := m.do(ctx, http.MethodPost, "/repos/"+repo.FullName+"/pages", payload, nil)
	if err != nil {
		return derived, err
	}
	switch status {
	case http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		// created or already enabled
	default:
		return derived, &httpError{Status: status, Body: body}
	}

	var pages struct {
		HTMLURL string `json:"html_url"`
	}
	status, _, err = m.do(ctx, http.MethodGet, "/repos/"+repo.FullName+"/pages", nil, &pages)
	if err == nil && status == http.StatusOK && pages.HTMLURL != "" {
		return pages.HTMLURL, nil
	}
	return derived, nil
}

type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github API returned %d", e.Status)
	}
	return fmt.Sprintf("github API returned %d: %s", e.Status, e.Body)
}

// retryable classifies transport failures, rate limiting and server
// errors as transient.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	var te *model.TaskError
	if errors.As(err, &te) {
		return false
	}
	if errors.Is(err, ErrNameExists) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	delay := m.cfg.RetryBase << (attempt - 1)
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// withRetry runs fn with capped exponential backoff on transient errors.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logging.Log(fmt.Sprintf("%s attempt %d/%d failed: %v", op, attempt+1, m.cfg.MaxRetries, err), slog.LevelWarn)
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, m.cfg.MaxRetries, lastErr)
}

// do issues one authenticated JSON request. The response body is returned
// as text for error reporting and decoded into out when provided.
func (m *Manager) do(ctx context.Context, method, path string, payload, out any) (int, string, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.cfg.APIBaseURL+path, body)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, string(raw), fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, string(raw), nil
}
