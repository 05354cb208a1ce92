package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

const knownRef = "QmeHhx3sK8wohw8ojbSkhW9HntbzpFn3jRzgsAGtqHDfz6"

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "metadata"))
	require.NoError(t, err)
	return s
}

func TestCanonicalRefIsStable(t *testing.T) {
	for _, doc := range []string{
		`{"a":1,"b":"x"}`,
		`{"b":"x","a":1}`,
		"{\n  \"b\": \"x\",\n  \"a\": 1\n}\n",
	} {
		canonical, err := Canonicalize([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, `{"a":1,"b":"x"}`, string(canonical))
		assert.Equal(t, knownRef, ComputeRef(canonical))
	}
}

func TestCanonicalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `title`},
		{"array", `[1,2]`},
		{"null", `null`},
		{"trailing data", `{"a":1} {"b":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestCanonicalizeKeepsLargeNumbers(t *testing.T) {
	canonical, err := Canonicalize([]byte(`{"wei":1050000000000000000123}`))
	require.NoError(t, err)
	assert.Equal(t, `{"wei":1050000000000000000123}`, string(canonical))
}

func TestPutGet(t *testing.T) {
	s := newStore(t)

	ref, err := s.Put(ctx, []byte(`{"b":"x","a":1}`))
	require.NoError(t, err)
	assert.Equal(t, knownRef, ref)
	assert.True(t, strings.HasPrefix(ref, "Qm"))
	assert.Len(t, ref, 46)

	again, err := s.Put(ctx, []byte(`{"a":1,"b":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	doc, err := s.Get(ctx, "ipfs://"+ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x"}`, string(doc))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetErrors(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(ctx, knownRef)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "not-a-ref-0OIl")
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, err = s.Get(ctx, "3mJr7AoUXx2Wqd")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestGetDetectsTampering(t *testing.T) {
	s := newStore(t)
	ref, err := s.Put(ctx, []byte(`{"a":1,"b":"x"}`))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ref+".json"), []byte(`{"a":2,"b":"x"}`), 0o644))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCancelledContext(t *testing.T) {
	s := newStore(t)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := s.Put(cancelled, []byte(`{"a":1}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocuments(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	job := NewJobDocument("Build API", "REST endpoints", nil, "1.0", "2025-01-08", "0xclient", now)
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, Validate(raw))
	assert.Equal(t, DocTypeJob, job.Type)
	assert.Equal(t, "2025-01-01T12:00:00Z", job.CreatedAt)
	assert.NotNil(t, job.Skills)

	sub := NewSubmissionDocument(3, strings.Repeat("é", 250), nil, "0xdev", "", now)
	assert.Equal(t, "Submission for Job #3", sub.Title)
	assert.Len(t, []rune(sub.ShortDesc), 200)

	assert.ErrorIs(t, Validate([]byte(`{"title":"x"}`)), ErrMissingField)
	assert.ErrorIs(t, Validate([]byte(`{"title":" ","shortDesc":"y"}`)), ErrMissingField)
	assert.ErrorIs(t, Validate([]byte(`nope`)), ErrInvalidDocument)
}
