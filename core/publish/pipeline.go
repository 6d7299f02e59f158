package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cordum/ckptpub/core/infra/logging"
	"github.com/cordum/ckptpub/core/infra/metrics"
	"github.com/cordum/ckptpub/core/infra/retry"
	"github.com/cordum/ckptpub/core/infra/secrets"
	"github.com/cordum/ckptpub/core/remote"
)

const (
	DefaultName      = "model"
	DefaultExtension = ".h5"
	DefaultLocalDir  = "."

	component = "publish"
)

// Serializer writes the current checkpoint to path. It is provided by the
// training driver on every hook call and must have finished writing the file
// when it returns.
type Serializer func(ctx context.Context, path string) error

// Committer sends one commit to the remote store. *remote.Client is the
// production implementation.
type Committer interface {
	Commit(ctx context.Context, req remote.CommitRequest) error
}

// Observer is told about every committed checkpoint. Observer errors are
// logged and never fail the publish.
type Observer interface {
	CheckpointCommitted(ctx context.Context, r Receipt) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r Receipt) error

func (f ObserverFunc) CheckpointCommitted(ctx context.Context, r Receipt) error {
	return f(ctx, r)
}

// Config controls naming, triggering and cleanup. It is fixed for the
// lifetime of a Pipeline.
type Config struct {
	Name              string
	OnlyAtEnd         bool
	DeleteAfterUpload bool
	DedupeFinalEpoch  bool
	LocalDir          string
	Extension         string
	APIURL            string
	Timeout           time.Duration
	Retry             retry.Policy
}

func (c Config) withDefaults() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultName
	}
	if strings.TrimSpace(c.LocalDir) == "" {
		c.LocalDir = DefaultLocalDir
	}
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
	if !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
	if c.Timeout <= 0 {
		c.Timeout = remote.DefaultTimeout
	}
	return c
}

func (c Config) validate() error {
	if strings.ContainsAny(c.Name, `/\`) {
		return &ConfigurationError{Field: "name", Err: errors.New("must not contain path separators")}
	}
	if strings.ContainsAny(c.Extension, `/\`) {
		return &ConfigurationError{Field: "extension", Err: errors.New("must not contain path separators")}
	}
	if c.Retry.MaxRetries < 0 {
		return &ConfigurationError{Field: "retry.max_retries", Err: errors.New("must not be negative")}
	}
	return nil
}

// Receipt describes a committed checkpoint.
type Receipt struct {
	Job         string
	Event       Event
	Filename    string
	RemotePath  string
	Message     string
	LocalPath   string
	SizeBytes   int64
	SHA256      string
	Attempts    int
	Deleted     bool
	CommittedAt time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCommitter replaces the GitHub client, e.g. in tests.
func WithCommitter(c Committer) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.committer = c
		}
	}
}

// WithMetrics records publish activity.
func WithMetrics(m metrics.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithObserver adds an observer notified after each commit.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithClock overrides the time source used for naming.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline publishes checkpoints for a single training run. Publishes are
// serialized: one pipeline is one ordered stream of commits.
type Pipeline struct {
	creds     remote.Credentials
	cfg       Config
	trigger   *Trigger
	committer Committer
	metrics   metrics.Metrics
	observers []Observer
	now       func() time.Time

	mu sync.Mutex
}

// New validates creds and cfg and returns a Pipeline in the Running state.
// Invalid settings fail with a *ConfigurationError before any network use.
func New(creds remote.Credentials, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := creds.Validate(); err != nil {
		field := "credentials"
		var credErr *remote.CredentialsError
		if errors.As(err, &credErr) {
			field = credErr.Field
		}
		return nil, &ConfigurationError{Field: field, Err: err}
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		creds:   creds,
		cfg:     cfg,
		trigger: NewTrigger(cfg.OnlyAtEnd, cfg.DedupeFinalEpoch),
		metrics: metrics.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.committer == nil {
		p.committer = remote.New(cfg.APIURL, creds, cfg.Timeout)
	}
	return p, nil
}

// State returns the trigger state of the run.
func (p *Pipeline) State() TriggerState {
	return p.trigger.State()
}

// OnEpochEnd handles the end of epoch index (zero-based) out of total. It
// returns a nil Receipt when the trigger skips the event.
func (p *Pipeline) OnEpochEnd(ctx context.Context, index, total int, save Serializer) (*Receipt, error) {
	return p.handle(ctx, EpochEnd(index, total), save)
}

// OnTrainEnd handles the end of training. Any hook called afterwards fails
// with ErrRunFinished.
func (p *Pipeline) OnTrainEnd(ctx context.Context, save Serializer) (*Receipt, error) {
	return p.handle(ctx, TrainEnd(), save)
}

func (p *Pipeline) handle(ctx context.Context, ev Event, save Serializer) (*Receipt, error) {
	ok, err := p.trigger.ShouldPublish(ev)
	if err != nil {
		return nil, &PublishError{Stage: StageTrigger, Event: ev, Err: err}
	}
	if !ok {
		p.metrics.IncTriggerSkipped(ev.Kind.String())
		return nil, nil
	}
	return p.Publish(ctx, ev, save)
}

// Publish writes, reads and commits one checkpoint for ev, bypassing the
// trigger. Every failure is fatal for the run and leaves the local file in
// place.
func (p *Pipeline) Publish(ctx context.Context, ev Event, save Serializer) (*Receipt, error) {
	if err := ev.Validate(); err != nil {
		return nil, &PublishError{Stage: StageTrigger, Event: ev, Err: err}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.stage(ctx, ev, save)
	if err != nil {
		return nil, err
	}
	return p.upload(ctx, s)
}

type staged struct {
	event   Event
	name    Name
	path    string
	started time.Time
}

func (p *Pipeline) stage(ctx context.Context, ev Event, save Serializer) (*staged, error) {
	s := &staged{
		event:   ev,
		name:    NameFor(p.cfg.Name, ev, p.now(), p.cfg.Extension),
		started: time.Now(),
	}
	s.path = filepath.Join(p.cfg.LocalDir, s.name.Filename)
	if save == nil {
		return nil, p.fail(s, StageSerialize, errors.New("serializer is nil"))
	}
	if err := save(ctx, s.path); err != nil {
		return nil, p.fail(s, StageSerialize, err)
	}
	return s, nil
}

func (p *Pipeline) upload(ctx context.Context, s *staged) (*Receipt, error) {
	art, err := ReadArtifact(s.path)
	if err != nil {
		return nil, p.fail(s, StageRead, err)
	}
	req := remote.NewCommitRequest(p.creds, s.name.Filename, s.name.Message, art.Content)

	policy := p.cfg.Retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.metrics.IncCommitRetry()
		logging.Warn(component, "commit retry", "remote_path", req.RemotePath, "attempt", attempt, "delay", delay, "err", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := p.committer.Commit(ctx, req)
		var transport *remote.TransportError
		if errors.As(err, &transport) && ctx.Err() == nil {
			return retry.RetryAfter(err, 0)
		}
		return err
	})
	if err != nil {
		var rejected *remote.RejectedError
		if errors.As(err, &rejected) {
			rejected.Body = secrets.Mask(rejected.Body, p.creds.AccessToken)
			logging.Error(component, "commit rejected", "remote_path", req.RemotePath, "status", rejected.StatusCode, "body", rejected.Body)
		}
		return nil, p.fail(s, StageCommit, err)
	}

	sum := sha256.Sum256(art.Content)
	receipt := &Receipt{
		Job:         p.cfg.Name,
		Event:       s.event,
		Filename:    s.name.Filename,
		RemotePath:  req.RemotePath,
		Message:     s.name.Message,
		LocalPath:   s.path,
		SizeBytes:   int64(len(art.Content)),
		SHA256:      hex.EncodeToString(sum[:]),
		Attempts:    attempts,
		CommittedAt: p.now(),
	}
	if p.cfg.DeleteAfterUpload {
		if err := os.Remove(s.path); err != nil {
			p.metrics.IncCleanupFailure()
			logging.Warn(component, "cleanup failed", "path", s.path, "err", err)
		} else {
			receipt.Deleted = true
		}
	}
	for _, obs := range p.observers {
		if err := obs.CheckpointCommitted(ctx, *receipt); err != nil {
			logging.Warn(component, "observer failed", "remote_path", receipt.RemotePath, "err", err)
		}
	}

	kind := s.event.Kind.String()
	p.metrics.IncPublish(kind, string(remote.OutcomeCommitted))
	p.metrics.ObservePublishDuration(kind, time.Since(s.started).Seconds())
	p.metrics.AddUploadedBytes(len(art.Content))
	logging.Info(component, "checkpoint committed",
		"event", s.event,
		"remote_path", receipt.RemotePath,
		"bytes", receipt.SizeBytes,
		"attempts", attempts,
		"deleted", receipt.Deleted,
	)
	return receipt, nil
}

func (p *Pipeline) fail(s *staged, stage Stage, err error) error {
	kind := s.event.Kind.String()
	outcome := string(stage) + "_failed"
	if stage == StageCommit {
		outcome = string(remote.Classify(err))
	}
	p.metrics.IncPublish(kind, outcome)
	p.metrics.ObservePublishDuration(kind, time.Since(s.started).Seconds())
	logging.Error(component, "publish failed", "event", s.event, "stage", stage, "path", s.path, "err", err)
	return &PublishError{Stage: stage, Event: s.event, Err: err}
}
