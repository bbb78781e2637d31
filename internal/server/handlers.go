package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"workbench/internal/async"
	"workbench/internal/chatstream"
	"workbench/internal/files"
	"workbench/internal/history"
	"workbench/internal/utils/id"
	"workbench/internal/workbench"
)

func (s *Server) handleHealth(c *gin.Context) {
	sandboxReady := true
	if s.cfg.SandboxReady != nil {
		sandboxReady = s.cfg.SandboxReady()
	}
	respondOK(c, http.StatusOK, HealthResponse{
		Status:       "ok",
		SandboxReady: sandboxReady,
		Ready:        s.coord.Ready(),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Timestamp:    time.Now(),
	})
}

func (s *Server) artifacts() []ArtifactResponse {
	arts := s.coord.Artifacts()
	out := make([]ArtifactResponse, 0, len(arts))
	for _, art := range arts {
		out = append(out, ArtifactResponse{
			ID:        art.ID,
			MessageID: art.MessageID,
			Title:     art.Title,
			Closed:    art.Closed,
			Actions:   art.Runner.Actions(),
		})
	}
	return out
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	respondOK(c, http.StatusOK, s.artifacts())
}

func (s *Server) handleListActions(c *gin.Context) {
	states, err := s.coord.Actions(c.Param("messageID"))
	if errors.Is(err, workbench.ErrArtifactNotFound) {
		respondError(c, http.StatusNotFound, err.Error())
		return
	}
	respondOK(c, http.StatusOK, states)
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(c, http.StatusBadRequest, "content is required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = id.NewMessageID()
	}
	if _, err := chatstream.Pump(c.Request.Context(), strings.NewReader(req.Content), s.coord.Parser(req.MessageID)); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, http.StatusAccepted, MessageAccepted{MessageID: req.MessageID})
}

func (s *Server) handleChat(c *gin.Context) {
	if s.cfg.Chat == nil {
		respondError(c, http.StatusServiceUnavailable, "chat backend not configured")
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(c, http.StatusBadRequest, "messages are required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = id.NewMessageID()
	}
	if req.ChatID == "" {
		req.ChatID = s.coord.ChatID()
	}
	if req.ChatID == "" {
		req.ChatID = id.NewChatID()
	}
	s.coord.SetChatID(req.ChatID)

	s.wg.Add(1)
	async.Go(s.logger, "server.chat", func() {
		defer s.wg.Done()
		s.streamChat(s.ctx, req)
	})
	respondOK(c, http.StatusAccepted, MessageAccepted{MessageID: req.MessageID, ChatID: req.ChatID})
}

func (s *Server) streamChat(ctx context.Context, req ChatRequest) {
	body, err := s.cfg.Chat.Stream(ctx, req.Messages)
	if err != nil {
		s.logger.Warn("chat stream for %s: %v", req.MessageID, err)
		return
	}
	defer func() { _ = body.Close() }()

	text, err := chatstream.Pump(ctx, body, s.coord.Parser(req.MessageID))
	if err != nil {
		s.logger.Warn("chat stream for %s ended early: %v", req.MessageID, err)
	}
	if s.cfg.History == nil || req.ChatID == "" || text == "" {
		return
	}
	chat, err := s.cfg.History.Get(ctx, req.ChatID)
	if errors.Is(err, history.ErrNotFound) {
		chat = &history.Chat{ID: req.ChatID}
	} else if err != nil {
		s.logger.Warn("load chat %s: %v", req.ChatID, err)
		return
	}
	chat.Messages = append(append([]history.Message(nil), req.Messages...), history.Message{
		ID:        req.MessageID,
		Role:      "assistant",
		Content:   text,
		CreatedAt: time.Now(),
	})
	chat.UpdatedAt = time.Now()
	if err := s.cfg.History.Put(ctx, chat); err != nil {
		s.logger.Warn("store chat %s: %v", req.ChatID, err)
	}
}

func (s *Server) handleAbort(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"aborted": s.coord.AbortAllActions()})
}

func (s *Server) handleListFiles(c *gin.Context) {
	store := s.coord.Files()
	entries := store.Files()
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{
			Path:     e.Path,
			Type:     e.Type,
			IsBinary: e.IsBinary,
			Size:     len(e.Content),
			Modified: store.IsModified(e.Path),
		})
	}
	respondOK(c, http.StatusOK, out)
}

func (s *Server) handleReadFile(c *gin.Context) {
	entry, ok := s.coord.Files().Entry(c.Param("path"))
	if !ok {
		respondError(c, http.StatusNotFound, "file not found")
		return
	}
	respondOK(c, http.StatusOK, entry)
}

func (s *Server) handleSetDocument(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	path := c.Param("path")
	if _, ok := s.coord.Editor().Document(files.Normalize(path)); !ok {
		if _, exists := s.coord.Files().Read(path); !exists {
			respondError(c, http.StatusNotFound, "file not found")
			return
		}
	}
	unsaved := s.coord.SetDocumentContent(path, req.Content)
	respondOK(c, http.StatusOK, gin.H{"unsaved": unsaved})
}

func (s *Server) handleUnsaved(c *gin.Context) {
	respondOK(c, http.StatusOK, s.coord.UnsavedFiles())
}

func (s *Server) handleSave(c *gin.Context) {
	var req SaveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}
	var err error
	if req.Path != "" {
		err = s.coord.SaveFile(c.Request.Context(), req.Path)
	} else {
		err = s.coord.SaveAllFiles(c.Request.Context())
	}
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	respondOK(c, http.StatusOK, gin.H{"unsaved": s.coord.UnsavedFiles()})
}

func (s *Server) handleModifications(c *gin.Context) {
	respondOK(c, http.StatusOK, s.coord.FileModifications())
}

func (s *Server) handleResetModifications(c *gin.Context) {
	s.coord.ResetAllFileModifications()
	respondOK(c, http.StatusOK, nil)
}
