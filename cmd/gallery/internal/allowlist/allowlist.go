// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package allowlist loads the curated list of downloadable models and
// turns it into registry tasks.
package allowlist

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// HubBaseURL is the model hub that allowlist entries resolve against.
const HubBaseURL = "https://huggingface.co"

var validate = newValidator()

// newValidator registers "plainname", which accepts a single local file
// name that stays inside the model directory.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("plainname", func(fl validator.FieldLevel) bool {
		return catalog.IsPlainFileName(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Allowlist is the decoded document.
type Allowlist struct {
	Models []Entry `json:"models"`
}

// Entry is one allowlisted model.
type Entry struct {
	Name            string          `json:"name" validate:"required,excludesall=/\\"`
	ModelID         string          `json:"modelId" validate:"required"`
	ModelFile       string          `json:"modelFile" validate:"required,plainname"`
	CommitHash      string          `json:"commitHash" validate:"required,alphanum"`
	Description     string          `json:"description"`
	SizeInBytes     int64           `json:"sizeInBytes" validate:"gte=0"`
	TaskTypes       []string        `json:"taskTypes" validate:"min=1,dive,required"`
	LLMSupportImage bool            `json:"llmSupportImage"`
	LLMSupportAudio bool            `json:"llmSupportAudio"`
	ExtraDataFiles  []ExtraDataFile `json:"extraDataFiles" validate:"dive"`
	LearnMoreURL    string          `json:"learnMoreUrl" validate:"omitempty,url"`
	IsZip           bool            `json:"isZip"`
	UnzipDir        string          `json:"unzipDir" validate:"required_if=IsZip true,excludesall=/\\"`
}

// ExtraDataFile is an allowlisted companion file.
type ExtraDataFile struct {
	Name             string `json:"name" validate:"required"`
	URL              string `json:"url" validate:"required,url"`
	DownloadFileName string `json:"downloadFileName" validate:"required,plainname"`
	SizeInBytes      int64  `json:"sizeInBytes" validate:"gte=0"`
}

// DownloadURL is the resolve URL of the main file pinned to CommitHash.
func (e Entry) DownloadURL() string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s?download=true", HubBaseURL, e.ModelID, e.CommitHash, e.ModelFile)
}

// ToModel converts the entry to a catalog model.
func (e Entry) ToModel() *catalog.Model {
	learnMore := e.LearnMoreURL
	if learnMore == "" {
		learnMore = fmt.Sprintf("%s/%s", HubBaseURL, e.ModelID)
	}

	m := &catalog.Model{
		Name:             e.Name,
		Description:      e.Description,
		URL:              e.DownloadURL(),
		SizeInBytes:      e.SizeInBytes,
		DownloadFileName: e.ModelFile,
		Version:          e.CommitHash,
		IsZip:            e.IsZip,
		UnzipDir:         e.UnzipDir,
		LearnMoreURL:     learnMore,
		LLMSupportImage:  e.LLMSupportImage,
		LLMSupportAudio:  e.LLMSupportAudio,
	}
	for _, f := range e.ExtraDataFiles {
		m.ExtraDataFiles = append(m.ExtraDataFiles, catalog.ExtraDataFile{
			Name:             f.Name,
			URL:              f.URL,
			DownloadFileName: f.DownloadFileName,
			SizeInBytes:      f.SizeInBytes,
		})
	}
	return m
}

// Parse decodes data and drops entries that fail validation, logging each
// one at Warn. Duplicate names keep the first entry.
func Parse(data []byte, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var doc Allowlist
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode allowlist: %w", err)
	}

	seen := make(map[string]bool, len(doc.Models))
	valid := make([]Entry, 0, len(doc.Models))
	for i, e := range doc.Models {
		if err := validate.Struct(e); err != nil {
			logger.Warn("Skipping invalid allowlist entry", "index", i, "model", e.Name, "error", err)
			continue
		}
		if err := e.ToModel().Validate(); err != nil {
			logger.Warn("Skipping invalid allowlist entry", "index", i, "model", e.Name, "error", err)
			continue
		}
		if seen[e.Name] {
			logger.Warn("Skipping duplicate allowlist entry", "index", i, "model", e.Name)
			continue
		}
		seen[e.Name] = true
		valid = append(valid, e)
	}
	return valid, nil
}

// ToTasks groups entries by task type, preserving allowlist order within
// each task and first-appearance order across tasks.
func ToTasks(entries []Entry) []catalog.Task {
	var order []string
	byTask := make(map[string][]*catalog.Model)
	for _, e := range entries {
		m := e.ToModel()
		for _, id := range e.TaskTypes {
			if _, ok := byTask[id]; !ok {
				order = append(order, id)
			}
			byTask[id] = append(byTask[id], m)
		}
	}

	tasks := make([]catalog.Task, 0, len(order))
	for _, id := range order {
		tasks = append(tasks, catalog.Task{ID: id, Models: byTask[id]})
	}
	return tasks
}
