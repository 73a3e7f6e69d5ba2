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

package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

// attachmentCeiling caps how much of each attachment is embedded in the
// generation prompt.
const attachmentCeiling = 1000

// minArtifactLen below which a provider response is treated as empty.
const minArtifactLen = 200

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Generator is the Code Generation Stage: a provider call with a
// deterministic fallback. Generate is total and never returns an error.
type Generator struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Generator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *Generator) Configured() bool {
	return g.cfg.APIKey != "" && g.cfg.BaseURL != ""
}

// Generate produces an HTML document for the task. The provider path is
// tried first when configured; any recoverable failure (timeout, error
// response, malformed or empty document) switches to the deterministic
// fallback. usedFallback reports which path produced the artifact.
func (g *Generator) Generate(ctx context.Context, brief string, attachments map[string]string, checks []model.Check, taskID string) (html string, usedFallback bool) {
	if g.Configured() {
		doc, err := g.callProvider(ctx, brief, attachments, checks, taskID)
		if err == nil {
			return doc, false
		}
		logging.Log(fmt.Sprintf("[%s] provider generation failed, using fallback: %v", taskID, err), slog.LevelWarn)
	}
	return FallbackHTML(brief, attachments, checks, taskID), true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Generator) callProvider(ctx context.Context, brief string, attachments map[string]string, checks []model.Check, taskID string) (string, error) {
	prompt := buildPrompt(brief, attachments, checks, taskID)

	body, err := json.Marshal(chatRequest{
		Model:    g.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decoding provider response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}

	doc := CleanHTML(parsed.Choices[0].Message.Content)
	if len(doc) < minArtifactLen {
		return "", fmt.Errorf("provider returned insufficient content (%d bytes)", len(doc))
	}
	if !strings.Contains(strings.ToLower(doc), "<html") {
		return "", fmt.Errorf("provider response is not an HTML document")
	}
	logging.Log(fmt.Sprintf("[%s] provider generated %d bytes of HTML", taskID, len(doc)), slog.LevelInfo)
	return doc, nil
}

func buildPrompt(brief string, attachments map[string]string, checks []model.Check, taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a COMPLETE, WORKING HTML page. Return ONLY HTML code, nothing else.\n\n")
	fmt.Fprintf(&b, "TASK: %s\n\nREQUIREMENTS:\n%s\n", taskID, brief)

	if len(attachments) > 0 {
		b.WriteString("\nDATA FILES TO EMBED:\n")
		for _, name := range sortedKeys(attachments) {
			content := attachments[name]
			if len(content) > attachmentCeiling {
				content = content[:attachmentCeiling] + "\n... (truncated)"
			}
			fmt.Fprintf(&b, "\nFile: %s\n%s\n", name, content)
		}
	}

	if ids := RequiredElementIDs(brief, checks); len(ids) > 0 {
		b.WriteString("\nELEMENT IDs REQUIRED:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "- #%s\n", id)
		}
	}

	if len(checks) > 0 {
		b.WriteString("\nCHECKS THAT MUST PASS:\n")
		for i, check := range checks {
			if js := check.JS(); js != "" {
				fmt.Fprintf(&b, "%d. %s\n", i+1, js)
			}
		}
	}

	b.WriteString("\nRULES:\n")
	b.WriteString("- Single HTML file with embedded CSS and JavaScript\n")
	b.WriteString("- Use Bootstrap 5 CDN: https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css\n")
	b.WriteString("- Embed all data directly in the file\n")
	b.WriteString("- All JavaScript inside DOMContentLoaded\n")
	b.WriteString("- Return complete HTML starting with <!DOCTYPE html>\n")
	return b.String()
}

var (
	fenceOpenRe = regexp.MustCompile("(?i)```html\\s*")
	fenceRe     = regexp.MustCompile("(?m)^```\\s*$|```\\s*$")
	docStartRe  = regexp.MustCompile(`(?i)<!DOCTYPE[^>]*>|<html[^>]*>`)
	docEndRe    = regexp.MustCompile(`(?i)</html>`)
)

// CleanHTML strips markdown fences and surrounding prose from a provider
// response and guarantees a leading doctype.
func CleanHTML(doc string) string {
	doc = fenceOpenRe.ReplaceAllString(doc, "")
	doc = fenceRe.ReplaceAllString(doc, "")

	if loc := docStartRe.FindStringIndex(doc); loc != nil {
		doc = doc[loc[0]:]
	}
	if locs := docEndRe.FindAllStringIndex(doc, -1); len(locs) > 0 {
		doc = doc[:locs[len(locs)-1][1]]
	}

	doc = strings.TrimSpace(doc)
	if doc == "" {
		return doc
	}
	lower := strings.ToLower(doc)
	if !strings.HasPrefix(lower, "<!doctype") {
		doc = "<!DOCTYPE html>\n" + doc
	}
	return doc
}

// DecodeAttachments resolves data: URLs into their textual contents.
// Entries that cannot be decoded are skipped with a log line.
func DecodeAttachments(attachments []model.Attachment) map[string]string {
	decoded := make(map[string]string, len(attachments))
	for _, att := range attachments {
		if !strings.HasPrefix(att.URL, "data:") {
			continue
		}
		parts := strings.SplitN(att.URL, ",", 2)
		if len(parts) != 2 || !strings.Contains(parts[0], "base64") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			logging.Log(fmt.Sprintf("failed to decode attachment %s: %v", att.Name, err), slog.LevelWarn)
			continue
		}
		decoded[att.Name] = string(data)
	}
	return decoded
}

var (
	taggedIDRe = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9]*)#([a-zA-Z][\w-]*)`)
	bareIDRe   = regexp.MustCompile(`#([a-zA-Z][\w-]*)`)
	getByIDRe  = regexp.MustCompile(`getElementById\(['"]([\w-]+)['"]\)`)
)

// RequiredElementIDs mines element IDs from the brief and check
// expressions, deduplicated and sorted.
func RequiredElementIDs(brief string, checks []model.Check) []string {
	seen := make(map[string]struct{})
	for _, m := range bareIDRe.FindAllStringSubmatch(brief, -1) {
		seen[m[1]] = struct{}{}
	}
	for _, check := range checks {
		js := check.JS()
		for _, m := range bareIDRe.FindAllStringSubmatch(js, -1) {
			seen[m[1]] = struct{}{}
		}
		for _, m := range getByIDRe.FindAllStringSubmatch(js, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
