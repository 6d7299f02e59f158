package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// SubjectPrefix is followed by the job name.
	SubjectPrefix = "ckpt.committed."
	// SubjectAll matches commits of every job.
	SubjectAll = SubjectPrefix + ">"
)

// Checkpoint announces one committed checkpoint.
type Checkpoint struct {
	Job         string
	Event       string
	EpochIndex  int
	TotalEpochs int
	Filename    string
	RemotePath  string
	SizeBytes   int64
	SHA256      string
	Attempts    int
	CommittedAt time.Time
}

// SubjectForJob returns the subject commits of job are published on. Token
// separators and wildcards in the job name are replaced.
func SubjectForJob(job string) string {
	job = strings.TrimSpace(job)
	if job == "" {
		return ""
	}
	return SubjectPrefix + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(job)
}

// EncodeCheckpoint serializes c as a google.protobuf.Struct.
func EncodeCheckpoint(c Checkpoint) ([]byte, error) {
	payload, err := structpb.NewStruct(map[string]any{
		"job":          c.Job,
		"event":        c.Event,
		"epoch_index":  c.EpochIndex,
		"total_epochs": c.TotalEpochs,
		"filename":     c.Filename,
		"remote_path":  c.RemotePath,
		"size_bytes":   c.SizeBytes,
		"sha256":       c.SHA256,
		"attempts":     c.Attempts,
		"committed_at": c.CommittedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build checkpoint payload: %w", err)
	}
	return proto.Marshal(payload)
}

// DecodeCheckpoint parses a payload produced by EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var payload structpb.Struct
	if err := proto.Unmarshal(data, &payload); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint payload: %w", err)
	}
	fields := payload.GetFields()
	c := Checkpoint{
		Job:         fields["job"].GetStringValue(),
		Event:       fields["event"].GetStringValue(),
		EpochIndex:  int(fields["epoch_index"].GetNumberValue()),
		TotalEpochs: int(fields["total_epochs"].GetNumberValue()),
		Filename:    fields["filename"].GetStringValue(),
		RemotePath:  fields["remote_path"].GetStringValue(),
		SizeBytes:   int64(fields["size_bytes"].GetNumberValue()),
		SHA256:      fields["sha256"].GetStringValue(),
		Attempts:    int(fields["attempts"].GetNumberValue()),
	}
	if c.RemotePath == "" {
		return Checkpoint{}, errors.New("checkpoint payload missing remote_path")
	}
	if raw := fields["committed_at"].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("parse committed_at: %w", err)
		}
		c.CommittedAt = ts
	}
	return c, nil
}

func msgID(c Checkpoint) string {
	if c.RemotePath == "" {
		return ""
	}
	if c.SHA256 == "" {
		return c.RemotePath
	}
	return c.RemotePath + "@" + c.SHA256
}
