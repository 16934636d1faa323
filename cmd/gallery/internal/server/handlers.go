// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
)

// TaskView is one task with the views of its models.
type TaskView struct {
	ID     string              `json:"id"`
	Models []gallery.ModelView `json:"models"`
}

// ImportRequest is the body of POST /v1/imports.
type ImportRequest struct {
	Path            string   `json:"path" binding:"required"`
	Name            string   `json:"name"`
	Tasks           []string `json:"tasks"`
	LLMSupportImage bool     `json:"llmSupportImage"`
	LLMSupportAudio bool     `json:"llmSupportAudio"`
}

// RunRequest is the body of POST /v1/models/:name/run.
type RunRequest struct {
	Input string `json:"input"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var out []TaskView
	for _, t := range s.svc.Registry().Tasks() {
		tv := TaskView{ID: t.ID, Models: make([]gallery.ModelView, 0, len(t.Models))}
		for _, m := range t.Models {
			if v, ok := s.svc.Model(m.Name); ok {
				tv.Models = append(tv.Models, v)
			}
		}
		out = append(out, tv)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Models())
}

func (s *Server) handleGetModel(c *gin.Context) {
	v, ok := s.svc.Model(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleDownload(c *gin.Context) {
	res, err := s.svc.Download(c.Request.Context(), c.Param("task"), c.Param("name"))
	s.writeResult(c, res, err)
}

func (s *Server) handleAgreement(c *gin.Context) {
	res, err := s.svc.AcknowledgeAgreement(c.Request.Context(), c.Param("task"), c.Param("name"))
	s.writeResult(c, res, err)
}

func (s *Server) writeResult(c *gin.Context, res gallery.Result, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	code := http.StatusOK
	if res.Outcome == gallery.OutcomeStarted {
		code = http.StatusAccepted
	}
	c.JSON(code, res)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.svc.Cancel(c.Request.Context(), c.Param("task"), c.Param("name")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetry(c *gin.Context) {
	started, err := s.svc.Retry(c.Request.Context(), c.Param("task"), c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("name")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInit(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	name := c.Param("name")
	// Initialization outlives the request.
	if _, err := s.svc.Initialize(c.Request.Context(), name, force); err != nil {
		s.writeError(c, err)
		return
	}
	st, _ := s.svc.Coordinator().Status(name)
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) handleCleanup(c *gin.Context) {
	if err := s.svc.Cleanup(c.Request.Context(), c.Param("name")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.svc.Run(c.Request.Context(), c.Param("name"), req.Input)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) handleImport(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.svc.Import(c.Request.Context(), gallery.ImportOptions{
		SourcePath:      req.Path,
		Name:            req.Name,
		TaskIDs:         req.Tasks,
		LLMSupportImage: req.LLMSupportImage,
		LLMSupportAudio: req.LLMSupportAudio,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleTokenStatus(c *gin.Context) {
	rec, status := s.svc.Tokens().Load(c.Request.Context())
	body := gin.H{"status": status.String()}
	if rec != nil && rec.ExpiresAtMs > 0 {
		body["expiresAt"] = rec.ExpiresAt()
	}
	c.JSON(http.StatusOK, body)
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrModelNotFound), errors.Is(err, catalog.ErrTaskNotFound),
		errors.Is(err, lifecycle.ErrUnknownModel):
		code = http.StatusNotFound
	case errors.Is(err, gallery.ErrNotDownloaded), errors.Is(err, gallery.ErrNameConflict),
		errors.Is(err, lifecycle.ErrNotInitialized):
		code = http.StatusConflict
	case errors.Is(err, catalog.ErrInvalidModelName):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
