package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDocumentContentTracksUnsaved(t *testing.T) {
	e := New()
	e.Open("a.js", "one")
	assert.Empty(t, e.UnsavedPaths())

	require.True(t, e.SetDocumentContent("a.js", "two"))
	assert.Equal(t, []string{"a.js"}, e.UnsavedPaths())

	e.MarkSaved("a.js", "two")
	assert.Empty(t, e.UnsavedPaths())

	assert.False(t, e.SetDocumentContent("missing.js", "x"))
}

func TestSyncKeepsUnsavedEdits(t *testing.T) {
	e := New()
	e.Sync(map[string]string{"a": "1", "b": "1"})
	require.True(t, e.SetDocumentContent("a", "edited"))

	e.Sync(map[string]string{"a": "2", "b": "2"})

	a, _ := e.Document("a")
	assert.Equal(t, "edited", a.Value)
	assert.Equal(t, "2", a.Saved)
	b, _ := e.Document("b")
	assert.Equal(t, "2", b.Value)
	assert.False(t, b.Unsaved())
}

func TestSyncDropsRemovedFiles(t *testing.T) {
	e := New()
	e.Sync(map[string]string{"a": "1"})
	require.True(t, e.Select("a"))

	e.Sync(map[string]string{})
	_, ok := e.Document("a")
	assert.False(t, ok)
	_, ok = e.Selected()
	assert.False(t, ok)
}

func TestSelect(t *testing.T) {
	e := New()
	assert.False(t, e.Select("nope"))
	e.Open("x", "content")
	require.True(t, e.Select("x"))
	doc, ok := e.Selected()
	require.True(t, ok)
	assert.Equal(t, "content", doc.Value)

	e.Close("x")
	_, ok = e.Selected()
	assert.False(t, ok)
}

func TestOpenFollowsDiskUnlessEdited(t *testing.T) {
	e := New()
	e.Open("a", "1")
	e.Open("a", "2")
	doc, _ := e.Document("a")
	assert.Equal(t, "2", doc.Value)

	require.True(t, e.SetDocumentContent("a", "mine"))
	e.Open("a", "3")
	doc, _ = e.Document("a")
	assert.Equal(t, "mine", doc.Value)
	assert.Equal(t, "3", doc.Saved)
}
