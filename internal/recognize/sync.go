package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://speech.googleapis.com"
	defaultSyncMax     = 9_000_000
	defaultReadTimeout = 120 * time.Second
)

// SyncClient performs synchronous recognition over the v1 REST surface with
// API-key auth. Input is bounded by the sync byte ceiling; anything larger
// fails fast with [ErrOversized] so the caller can promote to long mode.
type SyncClient struct {
	apiKey     string
	baseURL    string
	maxBytes   int
	httpClient *http.Client
}

// SyncOption configures a SyncClient.
type SyncOption func(*SyncClient)

// WithSyncBaseURL overrides the API endpoint. Used in tests.
func WithSyncBaseURL(u string) SyncOption {
	return func(c *SyncClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithSyncMaxBytes overrides the sync input ceiling.
func WithSyncMaxBytes(n int) SyncOption {
	return func(c *SyncClient) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithSyncReadTimeout overrides the response read timeout.
func WithSyncReadTimeout(d time.Duration) SyncOption {
	return func(c *SyncClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewSyncClient creates a synchronous recognizer client. apiKey must be
// non-empty.
func NewSyncClient(apiKey string, opts ...SyncOption) (*SyncClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("recognize: apiKey must not be empty")
	}
	c := &SyncClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		maxBytes:   defaultSyncMax,
		httpClient: &http.Client{Timeout: defaultReadTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// MaxBytes returns the sync input ceiling in bytes.
func (c *SyncClient) MaxBytes() int { return c.maxBytes }

type syncRequestBody struct {
	Config recognitionConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type syncResponseBody struct {
	Results []recognitionResult `json:"results"`
}

// Recognize submits one synchronous recognition attempt.
func (c *SyncClient) Recognize(ctx context.Context, req Request) Outcome {
	if len(req.Data) > c.maxBytes {
		return Failed(fmt.Errorf("%w: %d bytes > %d", ErrOversized, len(req.Data), c.maxBytes), nil)
	}

	body := syncRequestBody{Config: buildConfig(req)}
	body.Audio.Content = base64.StdEncoding.EncodeToString(req.Data)

	payload, err := json.Marshal(body)
	if err != nil {
		return Failed(fmt.Errorf("recognize: marshal request: %w", err), nil)
	}

	url := c.baseURL + "/v1/speech:recognize?key=" + c.apiKey
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Failed(fmt.Errorf("recognize: build request: %w", err), nil)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Failed(fmt.Errorf("recognize: sync request: %w", err), nil)
	}
	defer resp.Body.Close()

	raw, err := readAllBounded(resp.Body)
	if err != nil {
		return Failed(fmt.Errorf("recognize: read response: %w", err), nil)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest && isSyncTooLong(raw) {
			return Failed(fmt.Errorf("%w: %s", ErrOversized, bodyPreview(raw)), raw)
		}
		return Failed(fmt.Errorf("recognize: sync HTTP %d: %s", resp.StatusCode, bodyPreview(raw)), raw)
	}

	var decoded syncResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Failed(fmt.Errorf("recognize: decode response: %w", err), raw)
	}
	return Textual(joinAllAlternatives(decoded.Results), raw)
}

// isSyncTooLong detects the recognizer's 400 for audio past the sync
// duration limit, which the orchestrator treats the same as oversized bytes.
func isSyncTooLong(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "sync input too long") ||
		strings.Contains(s, "use longrunningrecognize")
}
