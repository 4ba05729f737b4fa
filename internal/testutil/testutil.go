// Package testutil holds helpers shared by the package tests.
//
// Helpers take [testing.TB] and call t.Helper(). Functions named Require*
// stop the test on failure through testify's require; Assert* record the
// failure and continue.
package testutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/audit"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error carrying
// code.
//
//	_, err := validator.Validate(ctx, token)
//	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExpired)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	e, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, "error code mismatch (message: %s)", e.Message)
}

// AssertErrorCode is the non-fatal form of [RequireErrorCode], for table
// tests that should report every failing row.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	e, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, e.Code, "error code mismatch (message: %s)", e.Message)
}

// TempConfigFile writes content to config<ext> in a fresh temp directory
// with mode 0600 and returns the path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// AssertJSONNotContains fails if the JSON encoding of v contains
// unexpected. Use it to check that secrets are redacted.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(data), unexpected)
}

// AuditLog is an in-memory [audit.Sink] for assertions on recorded
// entries. It exists only in tests; production sinks have no read path.
type AuditLog struct {
	mu      sync.Mutex
	entries []audit.Entry
}

var _ audit.Sink = (*AuditLog)(nil)

// Append implements [audit.Sink].
func (l *AuditLog) Append(_ context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries in append order.
func (l *AuditLog) Entries() []audit.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audit.Entry(nil), l.entries...)
}

// Len returns the number of recorded entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent entry and stops the test if there is none.
func (l *AuditLog) Last(t testing.TB) audit.Entry {
	t.Helper()
	entries := l.Entries()
	require.NotEmpty(t, entries, "no audit entries recorded")
	return entries[len(entries)-1]
}
