package publish

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration       = errors.New("invalid publisher configuration")
	ErrArtifactUnavailable = errors.New("artifact unavailable")
	ErrInvalidEvent        = errors.New("invalid lifecycle event")
	// ErrRunFinished is returned for any event delivered after TrainEnd.
	ErrRunFinished = errors.New("training run already finished")
	ErrClosed      = errors.New("publisher closed")
)

// ConfigurationError is raised at construction for a missing or blank
// required setting. It is never returned during a run.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrConfiguration, e.Field, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrConfiguration, e.Field)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ArtifactUnavailableError reports a checkpoint file that could not be read
// after the serializer returned.
type ArtifactUnavailableError struct {
	Path string
	Err  error
}

func (e *ArtifactUnavailableError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrArtifactUnavailable, e.Path, e.Err)
}

func (e *ArtifactUnavailableError) Is(target error) bool {
	return target == ErrArtifactUnavailable
}

func (e *ArtifactUnavailableError) Unwrap() error {
	return e.Err
}

// Stage names the step of a publish that failed.
type Stage string

const (
	StageTrigger   Stage = "trigger"
	StageSerialize Stage = "serialize"
	StageRead      Stage = "read"
	StageCommit    Stage = "commit"
)

// PublishError is the fatal outcome of one publish attempt.
type PublishError struct {
	Stage Stage
	Event Event
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s failed at %s: %v", e.Event, e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
