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

// Package notifier delivers final task results to the caller-supplied
// evaluation endpoint with bounded retries.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

type Notifier struct {
	client    *http.Client
	attempts  int
	retryBase time.Duration
}

func New(timeout time.Duration, attempts int, retryBase time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Notifier{
		client:    &http.Client{Timeout: timeout},
		attempts:  attempts,
		retryBase: retryBase,
	}
}

// Notify POSTs the result to url, retrying transport failures and
// non-success responses with capped backoff. The returned error reports
// delivery failure only; it never changes the task's decided outcome.
func (n *Notifier) Notify(ctx context.Context, url string, result model.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return model.NewTaskError(model.ErrKindNotificationFailed, "encoding result: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			delay := n.retryBase << (attempt - 1)
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return model.NewTaskError(model.ErrKindNotificationFailed, "callback abandoned: %v", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = n.post(ctx, url, payload)
		if lastErr == nil {
			logging.Log(fmt.Sprintf("[%s] result delivered to %s", result.Nonce, url), slog.LevelInfo)
			return nil
		}
		logging.Log(fmt.Sprintf("[%s] callback attempt %d/%d failed: %v",
			result.Nonce, attempt+1, n.attempts, lastErr), slog.LevelWarn)
	}
	return model.NewTaskError(model.ErrKindNotificationFailed,
		"callback to %s failed after %d attempts: %v", url, n.attempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
