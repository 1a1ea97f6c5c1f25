package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

func testEntry(id, body string) *instruction.Entry {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &instruction.Entry{
		ID:             id,
		Title:          "Title " + id,
		Body:           body,
		Priority:       50,
		Audience:       instruction.AudienceAll,
		Requirement:    instruction.RequirementOptional,
		Version:        "1.0.0",
		PriorityTier:   instruction.TierP3,
		Status:         instruction.StatusDraft,
		Classification: instruction.ClassificationInternal,
		SourceHash:     instruction.SourceHash(body),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestFileStore_WriteReadRemove(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	touch, err := s.Write(ctx, testEntry("e1", "hello"))
	require.NoError(t, err)
	assert.True(t, touch.Next.After(touch.Prev))
	assert.True(t, s.Exists("e1"))

	got, err := s.Read("e1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)

	stamp, err := s.Marker().Stamp()
	require.NoError(t, err)
	assert.True(t, stamp.Equal(touch.Next))

	_, err = s.Remove(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, s.Exists("e1"))
	_, err = os.Stat(filepath.Join(s.Dir(), "e1.json"))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Remove(ctx, "e1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Read("e1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Write(context.Background(), testEntry("e1", "v"))
		require.NoError(t, err)
	}

	files, err := s.Files()
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"e1.json", MarkerName}, names)
}

func TestFileStore_RejectsInvalid(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), testEntry("../escape", "x"))
	require.ErrorIs(t, err, ErrInvalidID)

	bad := testEntry("ok", "x")
	bad.Audience = "nobody"
	_, err = s.Write(context.Background(), bad)
	require.ErrorIs(t, err, instruction.ErrSchema)
	assert.False(t, s.Exists("ok"))
}

func TestMarker_TouchIsStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMarker(t.TempDir()).WithClock(func() time.Time { return frozen })

	zero, err := m.Stamp()
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, first, err := m.Touch()
	require.NoError(t, err)
	prev, second, err := m.Touch()
	require.NoError(t, err)

	assert.True(t, prev.Equal(first))
	assert.Equal(t, time.Millisecond, second.Sub(first))
}

func TestIgnored(t *testing.T) {
	tests := []struct {
		name    string
		ignored bool
	}{
		{"e1.json", false},
		{"team.style-guide.json", false},
		{MarkerName, true},
		{".DS_Store", true},
		{"_template.json", true},
		{"entry.template.json", true},
		{"e1.json.tmp-12345", true},
		{"manifest.json", true},
		{"README.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Ignored(tt.name)
			assert.Equal(t, tt.ignored, got)
		})
	}
	assert.Equal(t, "e1", IDFromFile("/x/e1.json"))
}

func TestValidID_RejectsIgnoredFileNames(t *testing.T) {
	for _, id := range []string{"e1", "team.style-guide", "v1.2"} {
		assert.True(t, ValidID(id), id)
	}
	for _, id := range []string{"manifest", "notes.template", "draft.tmp1", "a.tmp", "", "../x"} {
		assert.False(t, ValidID(id), id)
	}

	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Write(context.Background(), testEntry("manifest", "x"))
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = os.Stat(filepath.Join(s.Dir(), "manifest.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_VerifyFailureStillTouchesMarker(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	s.verifyFn = func(string, *instruction.Entry) error { return ErrVerifyMismatch }

	before, err := s.Marker().Stamp()
	require.NoError(t, err)

	_, err = s.Write(context.Background(), testEntry("e1", "hello"))
	require.ErrorIs(t, err, ErrVerifyMismatch)
	assert.True(t, s.Exists("e1"), "the renamed file stays on disk")

	after, err := s.Marker().Stamp()
	require.NoError(t, err)
	assert.True(t, after.After(before), "marker must move so other processes rescan")
}
