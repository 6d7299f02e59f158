package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   commitBody
}

func newTestServer(t *testing.T, status int, respBody string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body commitBody
		_ = json.Unmarshal(data, &body)
		captured = append(captured, capturedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func testCreds() Credentials {
	return Credentials{AccessToken: "ghp_secret", Owner: "acme", Repository: "models"}
}

func TestCredentialsValidate(t *testing.T) {
	cases := []struct {
		name  string
		creds Credentials
		field string
	}{
		{"missing token", Credentials{Owner: "o", Repository: "r"}, "access_token"},
		{"blank token", Credentials{AccessToken: "  ", Owner: "o", Repository: "r"}, "access_token"},
		{"blank owner", Credentials{AccessToken: "t", Owner: "\t", Repository: "r"}, "owner"},
		{"missing repository", Credentials{AccessToken: "t", Owner: "o"}, "repository"},
	}
	for _, tc := range cases {
		err := tc.creds.Validate()
		var credErr *CredentialsError
		if !errors.As(err, &credErr) || credErr.Field != tc.field {
			t.Fatalf("%s: expected field %s, got %v", tc.name, tc.field, err)
		}
	}
	if err := testCreds().Validate(); err != nil {
		t.Fatalf("expected valid credentials: %v", err)
	}
}

func TestCredentialsStringOmitsToken(t *testing.T) {
	creds := testCreds()
	if strings.Contains(creds.String(), "ghp_secret") {
		t.Fatalf("token leaked: %s", creds.String())
	}
	if creds.String() != "acme/models/ai-models" {
		t.Fatalf("unexpected string: %s", creds.String())
	}
}

func TestNewCommitRequestRoundTrip(t *testing.T) {
	content := []byte{0x89, 'H', 'D', 'F', 0x00, 0xff, '\n'}
	creds := testCreds()
	creds.Folder = "/checkpoints/"
	req := NewCommitRequest(creds, "model-epoch-1.h5", "Back up for model epoch 1", content)
	if req.RemotePath != "checkpoints/model-epoch-1.h5" {
		t.Fatalf("unexpected remote path: %s", req.RemotePath)
	}
	decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("round trip mismatch: %v", decoded)
	}
}

func TestCommitWireContract(t *testing.T) {
	srv, captured := newTestServer(t, http.StatusCreated, `{"content":{}}`)
	client := New(srv.URL, testCreds(), time.Second)

	req := NewCommitRequest(testCreds(), "model-2024-01-02-03-04-05.h5", "Back up for model", []byte("weights"))
	if err := client.Commit(context.Background(), req); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(*captured) != 1 {
		t.Fatalf("expected one request, got %d", len(*captured))
	}
	got := (*captured)[0]
	if got.Method != http.MethodPut {
		t.Fatalf("unexpected method %s", got.Method)
	}
	if got.Path != "/repos/acme/models/contents/ai-models/model-2024-01-02-03-04-05.h5" {
		t.Fatalf("unexpected path %s", got.Path)
	}
	if got.Header.Get("Authorization") != "token ghp_secret" {
		t.Fatalf("unexpected authorization header")
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %s", got.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(got.Header.Get("User-Agent"), "ckptpub/") {
		t.Fatalf("unexpected user agent %s", got.Header.Get("User-Agent"))
	}
	if got.Body.Message != "Back up for model" {
		t.Fatalf("unexpected message %q", got.Body.Message)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.Body.Content)
	if err != nil || string(decoded) != "weights" {
		t.Fatalf("unexpected content %q err=%v", decoded, err)
	}
}

func TestCommitEscapesSegments(t *testing.T) {
	creds := testCreds()
	creds.Folder = "runs/exp 1"
	client := New("https://example.test/api/", creds, 0)
	got := client.Endpoint(NewCommitRequest(creds, "m#1.h5", "", nil).RemotePath)
	want := "https://example.test/api/repos/acme/models/contents/runs/exp%201/m%231.h5"
	if got != want {
		t.Fatalf("unexpected endpoint\n got: %s\nwant: %s", got, want)
	}
}

func TestCommitRejected(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnprocessableEntity, `{"message":"sha wasn't supplied"}`)
	client := New(srv.URL, testCreds(), time.Second)

	err := client.Commit(context.Background(), NewCommitRequest(testCreds(), "m.h5", "msg", []byte("x")))
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if rejected.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(rejected.Body, "sha") {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	if Classify(err) != OutcomeRejected {
		t.Fatalf("unexpected outcome %s", Classify(err))
	}
	if strings.Contains(err.Error(), "ghp_secret") {
		t.Fatalf("token leaked in error")
	}
}

func TestCommitTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	client := New(addr, testCreds(), time.Second)
	err := client.Commit(context.Background(), NewCommitRequest(testCreds(), "m.h5", "msg", []byte("x")))
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if Classify(err) != OutcomeTransportFailure {
		t.Fatalf("unexpected outcome %s", Classify(err))
	}
	if strings.Contains(err.Error(), "ghp_secret") {
		t.Fatalf("token leaked in error")
	}
}

func TestCommitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := New(srv.URL, testCreds(), 50*time.Millisecond)
	start := time.Now()
	err := client.Commit(context.Background(), NewCommitRequest(testCreds(), "m.h5", "msg", []byte("x")))
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, commit took %s", elapsed)
	}
}

func TestCommitCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	client := New(srv.URL, testCreds(), 5*time.Second)
	err := client.Commit(ctx, NewCommitRequest(testCreds(), "m.h5", "msg", []byte("x")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if Classify(err) != OutcomeCanceled {
		t.Fatalf("unexpected outcome %s", Classify(err))
	}
}

func TestCommitRequiresPath(t *testing.T) {
	client := New("", testCreds(), 0)
	if client.BaseURL != DefaultAPIURL {
		t.Fatalf("expected default api url, got %s", client.BaseURL)
	}
	if err := client.Commit(context.Background(), CommitRequest{}); err == nil {
		t.Fatalf("expected error for empty remote path")
	}
	if Classify(nil) != OutcomeCommitted {
		t.Fatalf("nil error must classify as committed")
	}
}
