package workbench

import (
	"context"
	"time"

	"workbench/internal/async"
	"workbench/internal/telemetry"
)

// startUpload sends the project once per session, for the first artifact.
func (c *Coordinator) startUpload(art Artifact) {
	c.mu.Lock()
	if c.uploadStarted || c.cfg.Uploader == nil {
		c.mu.Unlock()
		return
	}
	c.uploadStarted = true
	c.uploads.Add(1)
	c.mu.Unlock()

	async.Go(c.logger, "workbench.upload", func() {
		defer c.uploads.Done()
		c.uploadFiles(c.ctx, art)
	})
}

// uploadFiles waits for the mirror to contain files, then uploads all of
// them. An empty project is uploaded when the wait gives up.
func (c *Coordinator) uploadFiles(ctx context.Context, art Artifact) {
	if err := c.SaveAllFiles(ctx); err != nil {
		c.logger.Warn("save files before upload: %v", err)
	}
	for attempt := 0; c.files.Count() == 0 && attempt < c.cfg.UploadAttempts; attempt++ {
		c.logger.Debug("waiting for files, attempt %d/%d", attempt+1, c.cfg.UploadAttempts)
		timer := time.NewTimer(c.cfg.UploadInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	if c.files.Count() == 0 {
		c.logger.Info("no files found, uploading empty project")
	}

	snap := telemetry.Snapshot{
		ArtifactID: art.ID,
		MessageID:  art.MessageID,
		ChatID:     c.ChatID(),
		Files:      c.files.Files(),
	}
	if first, ok := c.FirstArtifact(); ok {
		snap.ApplicationName = first.Title
	}
	if chat := c.chat(ctx); chat != nil {
		snap.Messages = chat.Messages
		snap.URLID = chat.URLID
	}
	if err := c.cfg.Uploader.UploadFiles(ctx, snap); err != nil {
		c.logger.Warn("upload files for artifact %s: %v", art.ID, err)
	}
}
