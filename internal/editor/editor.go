// Package editor keeps the open document buffers that back the code view.
package editor

import (
	"sort"
	"sync"
)

// Document is one buffer. Saved holds the last content written to disk.
type Document struct {
	Path  string `json:"filePath"`
	Value string `json:"value"`
	Saved string `json:"-"`
}

// Unsaved reports whether the buffer differs from disk.
func (d Document) Unsaved() bool { return d.Value != d.Saved }

// Editor tracks documents and the selected path.
type Editor struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	selected string
}

// New returns an empty editor.
func New() *Editor {
	return &Editor{docs: map[string]*Document{}}
}

// Sync loads on-disk content. Buffers with unsaved edits keep their value.
func (e *Editor) Sync(files map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p, content := range files {
		doc, ok := e.docs[p]
		if !ok {
			e.docs[p] = &Document{Path: p, Value: content, Saved: content}
			continue
		}
		if !doc.Unsaved() {
			doc.Value = content
		}
		doc.Saved = content
	}
	for p := range e.docs {
		if _, ok := files[p]; !ok {
			delete(e.docs, p)
			if e.selected == p {
				e.selected = ""
			}
		}
	}
}

// Open registers a document for p with on-disk content. An open document
// without pending edits follows the new content.
func (e *Editor) Open(p, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if doc, ok := e.docs[p]; ok {
		if !doc.Unsaved() {
			doc.Value = content
		}
		doc.Saved = content
		return
	}
	e.docs[p] = &Document{Path: p, Value: content, Saved: content}
}

// Close drops the document for p.
func (e *Editor) Close(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, p)
	if e.selected == p {
		e.selected = ""
	}
}

// SetDocumentContent replaces the buffer for p. It returns false when no
// document is open for p.
func (e *Editor) SetDocumentContent(p, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[p]
	if !ok {
		return false
	}
	doc.Value = value
	return true
}

// MarkSaved records value as the on-disk content of p.
func (e *Editor) MarkSaved(p, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if doc, ok := e.docs[p]; ok {
		doc.Saved = value
		doc.Value = value
	}
}

// Document returns a copy of the buffer for p.
func (e *Editor) Document(p string) (Document, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[p]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// Select sets the current document. Unknown paths are ignored.
func (e *Editor) Select(p string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[p]; !ok {
		return false
	}
	e.selected = p
	return true
}

// Selected returns the current document, if any.
func (e *Editor) Selected() (Document, bool) {
	e.mu.RLock()
	p := e.selected
	e.mu.RUnlock()
	if p == "" {
		return Document{}, false
	}
	return e.Document(p)
}

// UnsavedPaths lists documents with pending edits, sorted.
func (e *Editor) UnsavedPaths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for p, doc := range e.docs {
		if doc.Unsaved() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
