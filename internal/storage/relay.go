package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// RelayError is the typed failure surface of a relay attempt. Callers map it
// into a task failure plus a credit refund.
type RelayError struct {
	Stage string // "download", "stream", "local"
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Stage, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

type RelayResult struct {
	StorageKey string
	PublicURL  string
	Method     string // "stream" or "local"
}

// Relay mirrors a provider-hosted result into our own object store.
type Relay struct {
	store  ObjectStore
	client *http.Client
	// When false, a streaming failure fails the relay outright instead of
	// retrying through the buffered local-file path.
	AllowFallback bool
}

func NewRelay(store ObjectStore) *Relay {
	return &Relay{
		store:         store,
		client:        &http.Client{Timeout: 90 * time.Second},
		AllowFallback: true,
	}
}

// ObjectKey builds the per-task storage key. Deterministic per task, so a
// second relay for the same task overwrites the first object harmlessly.
func ObjectKey(ownerScope, taskID, extension string) string {
	return fmt.Sprintf("%s/%s%s", ownerScope, taskID, extension)
}

// Fetch downloads a provider result URL and relays the response body into the
// object store. The primary path streams the body straight through without
// buffering the payload; if streaming fails and fallback is enabled, the body
// is re-downloaded into a temp file and uploaded from disk.
func (r *Relay) Fetch(ctx context.Context, sourceURL, ownerScope, taskID, extension string) (*RelayResult, error) {
	resp, err := r.download(ctx, sourceURL)
	if err != nil {
		return nil, &RelayError{Stage: "download", Err: err}
	}
	defer resp.Body.Close()

	key := ObjectKey(ownerScope, taskID, extension)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url, streamErr := r.store.Put(ctx, key, resp.Body, resp.ContentLength, contentType)
	if streamErr == nil {
		return &RelayResult{StorageKey: key, PublicURL: url, Method: "stream"}, nil
	}

	if !r.AllowFallback {
		return nil, &RelayError{Stage: "stream", Err: streamErr}
	}

	// The streamed body is partially consumed; fetch again for the buffered
	// path.
	res, err := r.relayViaLocalFile(ctx, sourceURL, key, contentType)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Relay) relayViaLocalFile(ctx context.Context, sourceURL, key, contentType string) (*RelayResult, error) {
	resp, err := r.download(ctx, sourceURL)
	if err != nil {
		return nil, &RelayError{Stage: "download", Err: err}
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp("", "relay-*")
	if err != nil {
		return nil, &RelayError{Stage: "local", Err: err}
	}
	// Cleanup runs on every exit path, success included.
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return nil, &RelayError{Stage: "local", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &RelayError{Stage: "local", Err: err}
	}

	url, err := r.store.PutFile(ctx, key, tmp.Name(), contentType)
	if err != nil {
		return nil, &RelayError{Stage: "local", Err: err}
	}
	return &RelayResult{StorageKey: key, PublicURL: url, Method: "local"}, nil
}

func (r *Relay) download(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}
