package modelpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Loader moves model weights in and out of physical capacity. The pool holds
// the class lock across both calls of a swap, so implementations do not need
// their own exclusion.
type Loader interface {
	Load(ctx context.Context, slot Slot) error
	Unload(ctx context.Context, slot Slot) error
}

// NopLoader is for backends whose runtime manages residency itself (hosted
// APIs) and for tests.
type NopLoader struct{}

func (NopLoader) Load(ctx context.Context, slot Slot) error   { return nil }
func (NopLoader) Unload(ctx context.Context, slot Slot) error { return nil }

// HTTPLoader drives a local runtime's admin endpoint (ollama-style
// load/unload by model name). Load errors propagate untouched; the pool
// wraps them as swap failures.
type HTTPLoader struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPLoader builds a loader against a runtime admin endpoint.
func NewHTTPLoader(baseURL string, timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLoader) Load(ctx context.Context, slot Slot) error {
	return l.post(ctx, "/api/load", slot.Model)
}

func (l *HTTPLoader) Unload(ctx context.Context, slot Slot) error {
	return l.post(ctx, "/api/unload", slot.Model)
}

func (l *HTTPLoader) post(ctx context.Context, path, model string) error {
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}
