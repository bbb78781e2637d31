package workbench

import (
	"context"
	"errors"
	"fmt"

	"workbench/internal/files"
	"workbench/internal/history"
	"workbench/internal/runner"
)

// SetDocumentContent replaces the editor buffer of path. It reports whether
// the buffer now differs from the saved file. Unknown paths are ignored.
func (c *Coordinator) SetDocumentContent(path, content string) bool {
	key := files.Normalize(path)
	if _, ok := c.editor.Document(key); !ok {
		saved, exists := c.files.Read(key)
		if !exists {
			return false
		}
		c.editor.Open(key, saved)
	}
	c.editor.SetDocumentContent(key, content)
	doc, _ := c.editor.Document(key)
	return doc.Unsaved()
}

// UnsavedFiles lists paths whose editor buffer has not been saved.
func (c *Coordinator) UnsavedFiles() []string {
	return c.editor.UnsavedPaths()
}

// SaveFile writes the editor buffer of path through the file store. Paths
// without a buffer are ignored.
func (c *Coordinator) SaveFile(ctx context.Context, path string) error {
	key := files.Normalize(path)
	doc, ok := c.editor.Document(key)
	if !ok {
		return nil
	}
	if err := c.files.Save(ctx, key, doc.Value); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	c.editor.MarkSaved(key, doc.Value)
	return nil
}

// SaveAllFiles saves every unsaved buffer, continuing past failures.
func (c *Coordinator) SaveAllFiles(ctx context.Context) error {
	var errs []error
	for _, p := range c.editor.UnsavedPaths() {
		if err := c.SaveFile(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileModifications describes what changed since the last reset.
func (c *Coordinator) FileModifications() map[string]files.Modification {
	return c.files.Modifications()
}

// ResetAllFileModifications makes the current content the new baseline.
func (c *Coordinator) ResetAllFileModifications() {
	c.files.ResetModifications()
}

// BatchContext saves pending edits and returns the chat history and file
// modifications attached to a log batch.
func (c *Coordinator) BatchContext(ctx context.Context) runner.BatchContext {
	if err := c.SaveAllFiles(ctx); err != nil {
		c.logger.Warn("save files before log flush: %v", err)
	}
	chat := c.chat(ctx)
	bc := runner.BatchContext{Files: c.files.Modifications()}
	if chat != nil {
		bc.Messages = chat.Messages
	}
	return bc
}

func (c *Coordinator) chat(ctx context.Context) *history.Chat {
	chatID := c.ChatID()
	if c.cfg.History == nil || chatID == "" {
		return nil
	}
	chat, err := c.cfg.History.Get(ctx, chatID)
	if err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			c.logger.Warn("load chat %s: %v", chatID, err)
		}
		return nil
	}
	return chat
}
