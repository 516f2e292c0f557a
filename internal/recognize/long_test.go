package recognize

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/takerng/echoscribe/internal/media"
)

// fakeObjects is an in-memory ObjectStore recording Put and Cleanup calls.
type fakeObjects struct {
	mu       sync.Mutex
	putErr   error
	puts     []string
	cleanups map[string]bool // name -> recognized flag
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{cleanups: map[string]bool{}}
}

func (f *fakeObjects) Put(_ context.Context, name string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.puts = append(f.puts, name)
	return "gs://test-bucket/discord_uploads/" + name, nil
}

func (f *fakeObjects) Cleanup(_ context.Context, name string, recognized bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups[name] = recognized
}

func (f *fakeObjects) cleanedUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cleanups) == len(f.puts)
}

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func newLongServer(t *testing.T, objects ObjectStore, handler http.HandlerFunc) *LongClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewLongClient(objects, staticTokens(),
		WithLongBaseURL(srv.URL),
		WithPollInterval(time.Millisecond),
		WithPollMax(time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLongRecognizeHappyPath(t *testing.T) {
	objects := newFakeObjects()
	polls := 0
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.Contains(got, "test-token") {
			t.Errorf("missing bearer token, got %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/speech:longrunningrecognize":
			w.Write([]byte(`{"name":"op-123"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/operations/op-123":
			polls++
			if polls < 3 {
				w.Write([]byte(`{"name":"op-123","done":false}`))
				return
			}
			w.Write([]byte(`{"name":"op-123","done":true,"response":{"results":[
				{"alternatives":[{"transcript":"first part"},{"transcript":"ignored"}]},
				{"alternatives":[{"transcript":"second part"}]}
			]}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	out := c.Recognize(context.Background(), Request{
		Data: []byte("wav bytes"), Tag: media.WAVTag, Primary: "th-TH",
	})
	if out.Kind != KindText {
		t.Fatalf("kind = %v, err = %v", out.Kind, out.Err)
	}
	// Long mode joins only the first alternative of each result.
	if out.Text != "first part second part" {
		t.Errorf("text = %q", out.Text)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("puts = %v, want exactly one upload", objects.puts)
	}
	if recognized, ok := objects.cleanups[objects.puts[0]]; !ok || !recognized {
		t.Errorf("cleanup after success: got (%v, %v), want recognized=true", recognized, ok)
	}
	if !strings.HasSuffix(objects.puts[0], ".wav") {
		t.Errorf("object name %q should keep the source extension", objects.puts[0])
	}
}

func TestLongRecognizeUploadError(t *testing.T) {
	objects := newFakeObjects()
	objects.putErr = errors.New("bucket unavailable")
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected when upload fails")
	})

	out := c.Recognize(context.Background(), Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", out.Kind)
	}
}

func TestLongRecognizeStartErrorCleansUp(t *testing.T) {
	objects := newFakeObjects()
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad config"}}`, http.StatusBadRequest)
	})

	out := c.Recognize(context.Background(), Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", out.Kind)
	}
	if !objects.cleanedUp() {
		t.Error("staged object must be cleaned up after a start failure")
	}
	if objects.cleanups[objects.puts[0]] {
		t.Error("cleanup on failure path should not report recognized")
	}
}

func TestLongRecognizePollTimeoutCleansUp(t *testing.T) {
	objects := newFakeObjects()
	srvCalls := 0
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"name":"op-slow"}`))
			return
		}
		srvCalls++
		w.Write([]byte(`{"name":"op-slow","done":false}`))
	})
	// Shrink the wall clock bound far below the interval count needed.
	c.pollMax = 5 * time.Millisecond

	out := c.Recognize(context.Background(), Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", out.Kind)
	}
	if !strings.Contains(out.Err.Error(), "timeout") {
		t.Errorf("err = %v, want poll timeout", out.Err)
	}
	if !objects.cleanedUp() {
		t.Error("staged object must be cleaned up after poll timeout")
	}
	if srvCalls == 0 {
		t.Error("expected at least one poll before timing out")
	}
}

func TestLongRecognizeOperationErrorCleansUp(t *testing.T) {
	objects := newFakeObjects()
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"name":"op-err"}`))
			return
		}
		w.Write([]byte(`{"name":"op-err","done":true,"error":{"code":3,"message":"unsupported channels"}}`))
	})

	out := c.Recognize(context.Background(), Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", out.Kind)
	}
	if !strings.Contains(out.Err.Error(), "unsupported channels") {
		t.Errorf("err = %v, want operation message surfaced", out.Err)
	}
	if !objects.cleanedUp() {
		t.Error("staged object must be cleaned up after an operation error")
	}
}

func TestLongRecognizeCancelledCleansUp(t *testing.T) {
	objects := newFakeObjects()
	ctx, cancel := context.WithCancel(context.Background())
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"name":"op-cancel"}`))
			return
		}
		cancel() // cancel mid-poll
		w.Write([]byte(`{"name":"op-cancel","done":false}`))
	})

	out := c.Recognize(ctx, Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", out.Kind)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.Err)
	}
	if !objects.cleanedUp() {
		t.Error("staged object must be cleaned up on cancellation")
	}
}

func TestLongRecognizeEmptyTranscript(t *testing.T) {
	objects := newFakeObjects()
	c := newLongServer(t, objects, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"name":"op-empty"}`))
			return
		}
		w.Write([]byte(`{"name":"op-empty","done":true,"response":{"results":[]}}`))
	})

	out := c.Recognize(context.Background(), Request{Data: []byte("x"), Tag: media.WAVTag, Primary: "en-US"})
	if out.Kind != KindEmpty {
		t.Errorf("kind = %v, want KindEmpty", out.Kind)
	}
	if recognized := objects.cleanups[objects.puts[0]]; !recognized {
		t.Error("empty transcript still finished recognition; cleanup should report recognized")
	}
}
