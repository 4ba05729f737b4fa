// Package audit records one entry per authentication attempt and per
// delegation call.
//
// The package is write-only: [Sink] has a single Append method and
// no sink exposes a way to read entries back. Queries over the audit trail
// belong to a separate read path over whatever store a sink writes to.
//
// Sink failures never reach the request path. [Recorder] swallows them and
// logs the entry to a local zap logger instead.
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Sources of audit entries.
const (
	SourceAuthentication = "auth"
	SourceGateway        = "gateway"
)

// Entry is one audit record. Entries are values; sinks must not retain
// references to Metadata after Append returns.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Success   bool           `json:"success"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEntry returns an entry with a fresh id and the current UTC time.
func NewEntry(source, action string) Entry {
	return Entry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Action:    action,
		Metadata:  make(map[string]any),
	}
}

// MarshalLogObject lets an entry be logged with zap.Object.
func (e Entry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", e.ID.String())
	enc.AddTime("timestamp", e.Timestamp)
	enc.AddString("source", e.Source)
	enc.AddString("action", e.Action)
	enc.AddBool("success", e.Success)
	if e.Subject != "" {
		enc.AddString("subject", e.Subject)
	}
	if e.Resource != "" {
		enc.AddString("resource", e.Resource)
	}
	if e.ErrorCode != "" {
		enc.AddString("error_code", e.ErrorCode)
	}
	if e.Error != "" {
		enc.AddString("error", e.Error)
	}
	if len(e.Metadata) > 0 {
		return enc.AddReflected("metadata", e.Metadata)
	}
	return nil
}
