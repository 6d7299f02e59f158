package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/ckptpub/core/infra/buildinfo"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"
	// DefaultFolder is used when Credentials.Folder is blank.
	DefaultFolder  = "ai-models"
	DefaultTimeout = 60 * time.Second

	maxErrorBody = 64 << 10
)

// Credentials identify the repository checkpoints are committed to.
type Credentials struct {
	AccessToken string
	Owner       string
	Repository  string
	Folder      string
}

// CredentialsError names the first missing credential field.
type CredentialsError struct {
	Field string
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("%s is required and must not be blank", e.Field)
}

// Validate checks the required fields after trimming whitespace.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return &CredentialsError{Field: "access_token"}
	}
	if strings.TrimSpace(c.Owner) == "" {
		return &CredentialsError{Field: "owner"}
	}
	if strings.TrimSpace(c.Repository) == "" {
		return &CredentialsError{Field: "repository"}
	}
	return nil
}

// FolderOrDefault returns the target folder with surrounding slashes removed.
func (c Credentials) FolderOrDefault() string {
	folder := strings.Trim(strings.TrimSpace(c.Folder), "/")
	if folder == "" {
		return DefaultFolder
	}
	return folder
}

// String omits the access token.
func (c Credentials) String() string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSpace(c.Owner), strings.TrimSpace(c.Repository), c.FolderOrDefault())
}

// CommitRequest is a single create-or-update of one file.
type CommitRequest struct {
	RemotePath    string
	Message       string
	ContentBase64 string
}

// NewCommitRequest encodes content and joins filename under the credentials folder.
func NewCommitRequest(creds Credentials, filename, message string, content []byte) CommitRequest {
	return CommitRequest{
		RemotePath:    creds.FolderOrDefault() + "/" + strings.TrimLeft(filename, "/"),
		Message:       message,
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}
}

type commitBody struct {
	Message string `json:"message"`
	Content string `json:"content"`
}

// RejectedError is a completed exchange with a non-2xx status.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("commit rejected with status %d: %s", e.StatusCode, msg)
}

// TransportError is a failure to complete the exchange at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("commit transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Outcome classifies the result of a commit.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeTransportFailure Outcome = "transport_failure"
	OutcomeCanceled         Outcome = "canceled"
	OutcomeError            Outcome = "error"
)

// Classify maps a Commit error to its Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeCommitted
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return OutcomeRejected
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return OutcomeTransportFailure
	}
	return OutcomeError
}

// Client commits files through the repository contents API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	creds      Credentials
}

// New returns a client with the given HTTP timeout. A blank baseURL selects
// DefaultAPIURL and a non-positive timeout selects DefaultTimeout.
func New(baseURL string, creds Credentials, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		creds: creds,
	}
}

// Endpoint returns the contents URL for remotePath.
func (c *Client) Endpoint(remotePath string) string {
	segments := []string{
		"repos",
		url.PathEscape(strings.TrimSpace(c.creds.Owner)),
		url.PathEscape(strings.TrimSpace(c.creds.Repository)),
		"contents",
	}
	for _, part := range strings.Split(remotePath, "/") {
		if part == "" {
			continue
		}
		segments = append(segments, url.PathEscape(part))
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Join(segments, "/")
}

// Commit creates or updates req.RemotePath. A nil error means the store
// accepted the commit.
func (c *Client) Commit(ctx context.Context, req CommitRequest) error {
	if strings.TrimSpace(req.RemotePath) == "" {
		return fmt.Errorf("remote path required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(commitBody{Message: req.Message, Content: req.ContentBase64}); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.Endpoint(req.RemotePath), buf)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "token "+strings.TrimSpace(c.creds.AccessToken))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent())

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RejectedError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
