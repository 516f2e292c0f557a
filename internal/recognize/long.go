package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollMax      = 900 * time.Second
)

// ObjectStore stages audio for long-running recognition. Put stores data
// under name and returns a URI the recognizer can read; Cleanup disposes of
// the object per the store's configured policy. Cleanup must be called on
// every control-flow path after a successful Put.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (uri string, err error)
	Cleanup(ctx context.Context, name string, recognized bool)
}

// LongClient performs long-running recognition: upload to the object store,
// start the operation with OAuth bearer auth, poll until done or the wall
// clock bound, join the transcript, clean up the staged object.
type LongClient struct {
	objects      ObjectStore
	tokens       oauth2.TokenSource
	baseURL      string
	pollInterval time.Duration
	pollMax      time.Duration
	httpClient   *http.Client
}

// LongOption configures a LongClient.
type LongOption func(*LongClient)

// WithLongBaseURL overrides the API endpoint. Used in tests.
func WithLongBaseURL(u string) LongOption {
	return func(c *LongClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithPollInterval sets the delay between operation status checks.
func WithPollInterval(d time.Duration) LongOption {
	return func(c *LongClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithPollMax sets the total wall-clock bound on polling.
func WithPollMax(d time.Duration) LongOption {
	return func(c *LongClient) {
		if d > 0 {
			c.pollMax = d
		}
	}
}

// NewLongClient creates a long-running recognizer client.
func NewLongClient(objects ObjectStore, tokens oauth2.TokenSource, opts ...LongOption) (*LongClient, error) {
	if objects == nil {
		return nil, fmt.Errorf("recognize: object store must not be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("recognize: token source must not be nil")
	}
	c := &LongClient{
		objects:      objects,
		tokens:       tokens,
		baseURL:      defaultBaseURL,
		pollInterval: defaultPollInterval,
		pollMax:      defaultPollMax,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type longRequestBody struct {
	Config recognitionConfig `json:"config"`
	Audio  struct {
		URI string `json:"uri"`
	} `json:"audio"`
}

type operationBody struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response struct {
		Results []recognitionResult `json:"results"`
	} `json:"response"`
}

// Recognize uploads the blob, starts a long-running operation and polls it
// to completion. The staged object is cleaned up on every path.
func (c *LongClient) Recognize(ctx context.Context, req Request) Outcome {
	name := uuid.NewString() + req.Tag.Ext
	uri, err := c.objects.Put(ctx, name, req.Data, req.Tag.ContentType)
	if err != nil {
		return Failed(fmt.Errorf("recognize: upload: %w", err), nil)
	}

	opName, raw, err := c.start(ctx, uri, req)
	if err != nil {
		// The orchestrator may have been cancelled; detach cleanup from
		// the request context so the object still goes away.
		c.objects.Cleanup(context.WithoutCancel(ctx), name, false)
		return Failed(err, raw)
	}

	op, err := c.poll(ctx, opName)
	if err != nil {
		c.objects.Cleanup(context.WithoutCancel(ctx), name, false)
		return Failed(err, nil)
	}

	if op.Error != nil {
		c.objects.Cleanup(context.WithoutCancel(ctx), name, false)
		return Failed(fmt.Errorf("recognize: operation failed: %s (code %d)", op.Error.Message, op.Error.Code), nil)
	}

	c.objects.Cleanup(context.WithoutCancel(ctx), name, true)

	opRaw, _ := json.Marshal(op)
	return Textual(joinFirstAlternatives(op.Response.Results), opRaw)
}

// start submits the longrunningrecognize request and returns the operation
// name.
func (c *LongClient) start(ctx context.Context, uri string, req Request) (string, json.RawMessage, error) {
	body := longRequestBody{Config: buildConfig(req)}
	body.Audio.URI = uri

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("recognize: marshal long request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/speech:longrunningrecognize", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("recognize: build long request: %w", err)
	}
	if err := c.authorize(httpReq); err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("recognize: long start: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readAllBounded(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("recognize: read start response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", raw, fmt.Errorf("recognize: long start HTTP %d: %s", resp.StatusCode, bodyPreview(raw))
	}

	var op operationBody
	if err := json.Unmarshal(raw, &op); err != nil {
		return "", raw, fmt.Errorf("recognize: decode start response: %w", err)
	}
	if op.Name == "" {
		return "", raw, fmt.Errorf("recognize: operation has no name")
	}
	return op.Name, raw, nil
}

// poll queries the operation until done, observing ctx at least once per
// interval and bounding total wait by pollMax.
func (c *LongClient) poll(ctx context.Context, opName string) (*operationBody, error) {
	deadline := time.Now().Add(c.pollMax)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		op, err := c.pollOnce(ctx, opName)
		if err != nil {
			return nil, err
		}
		if op.Done {
			return op, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("recognize: timeout after %s polling operation %s", c.pollMax, opName)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *LongClient) pollOnce(ctx context.Context, opName string) (*operationBody, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations/"+opName, nil)
	if err != nil {
		return nil, fmt.Errorf("recognize: build poll request: %w", err)
	}
	if err := c.authorize(httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("recognize: poll: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readAllBounded(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("recognize: read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognize: poll HTTP %d: %s", resp.StatusCode, bodyPreview(raw))
	}

	var op operationBody
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("recognize: decode poll response: %w", err)
	}
	return &op, nil
}

func (c *LongClient) authorize(req *http.Request) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("recognize: token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}
