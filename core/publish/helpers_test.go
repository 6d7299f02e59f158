package publish

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cordum/ckptpub/core/remote"
)

var testStart = time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)

func testCreds() remote.Credentials {
	return remote.Credentials{AccessToken: "ghp_testtoken", Owner: "acme", Repository: "models"}
}

type fakeCommitter struct {
	mu    sync.Mutex
	reqs  []remote.CommitRequest
	errs  []error
	block chan struct{}
}

func (f *fakeCommitter) Commit(ctx context.Context, req remote.CommitRequest) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &remote.TransportError{Err: ctx.Err()}
		}
	}
	return err
}

func (f *fakeCommitter) requests() []remote.CommitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.CommitRequest(nil), f.reqs...)
}

type githubCall struct {
	Path    string
	Message string
	Content string
}

// fakeGitHub answers every contents PUT with status and records the calls.
func fakeGitHub(t *testing.T, status int, body string) (*httptest.Server, func() []githubCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []githubCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var payload struct {
			Message string `json:"message"`
			Content string `json:"content"`
		}
		_ = json.Unmarshal(data, &payload)
		mu.Lock()
		calls = append(calls, githubCall{Path: r.URL.Path, Message: payload.Message, Content: payload.Content})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []githubCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]githubCall(nil), calls...)
	}
}

func writeBytes(content []byte) Serializer {
	return func(_ context.Context, path string) error {
		return os.WriteFile(path, content, 0o644)
	}
}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}

type committerFunc func(ctx context.Context, req remote.CommitRequest) error

func (f committerFunc) Commit(ctx context.Context, req remote.CommitRequest) error {
	return f(ctx, req)
}

type recordingMetrics struct {
	mu              sync.Mutex
	publishes       map[string]int
	cleanupFailures int
	retries         int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{publishes: map[string]int{}}
}

func (m *recordingMetrics) IncPublish(event, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes[event+"/"+outcome]++
}

func (m *recordingMetrics) ObservePublishDuration(string, float64) {}
func (m *recordingMetrics) AddUploadedBytes(int)                   {}
func (m *recordingMetrics) IncTriggerSkipped(string)               {}

func (m *recordingMetrics) IncCommitRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) IncCleanupFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFailures++
}
