package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
)

// HTTPEmitter posts events to an HTTP endpoint and keeps a local file copy.
type HTTPEmitter struct {
	endpoint     string
	client       *http.Client
	chainTracker *ChainTracker
	backup       *FileBackup
	log          *slog.Logger

	retries int
	delay   time.Duration
}

// NewHTTPEmitter creates an emitter for cfg.Endpoint backed up to cfg.Dir.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chainTracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		chainTracker: chainTracker,
		backup:       backup,
		log:          logging.Component("audit").With("endpoint", cfg.Endpoint),
		retries:      3,
		delay:        time.Second,
	}, nil
}

// Emit chains the event, backs it up locally, then posts it. The chain head
// only advances after a successful post.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	if err := chain(e.chainTracker, evt); err != nil {
		return err
	}

	e.log.Debug("emitting audit event",
		"database", evt.Database,
		"revision", evt.Transaction.Revision,
		"prev_hash", evt.Chain.PrevEventHash,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.chainTracker.SetHead(evt.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update audit chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.delay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			e.log.Warn("audit post failed, retrying", "attempt", attempt, "retries", e.retries, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
