// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/state"
)

// Well-known task identifiers.
const (
	TaskLLMChat             = "llm_chat"
	TaskLLMPromptLab        = "llm_prompt_lab"
	TaskLLMAskImage         = "llm_ask_image"
	TaskLLMAskAudio         = "llm_ask_audio"
	TaskImageClassification = "image_classification"
	TaskTextClassification  = "text_classification"
	TaskImageGeneration     = "image_generation"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrModelNotFound is returned for an unknown model name.
var ErrModelNotFound = errors.New("model not found")

// DefaultTaskIDs lists the tasks a fresh registry is built with, in display
// order.
var DefaultTaskIDs = []string{
	TaskLLMChat,
	TaskLLMPromptLab,
	TaskLLMAskImage,
	TaskLLMAskAudio,
	TaskImageClassification,
	TaskTextClassification,
	TaskImageGeneration,
}

// IsLLMTask reports whether imported LLM models may be attached to the task.
func IsLLMTask(id string) bool {
	switch id {
	case TaskLLMChat, TaskLLMPromptLab, TaskLLMAskImage, TaskLLMAskAudio:
		return true
	default:
		return false
	}
}

// Task groups the models usable for one kind of work.
//
// UpdateTrigger is a monotonic millisecond timestamp bumped on every
// structural change (model added or removed) so observers can detect list
// changes without diffing Models.
type Task struct {
	ID            string   `json:"id"`
	Models        []*Model `json:"models"`
	UpdateTrigger int64    `json:"updateTrigger"`
}

// HasModel reports whether the task lists a model with the given name.
func (t Task) HasModel(name string) bool {
	return t.indexOf(name) >= 0
}

func (t Task) indexOf(name string) int {
	for i, m := range t.Models {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// Registry is the in-memory Task→Model catalog.
//
// # Description
//
// The task list is an immutable snapshot behind a state.Value. Every
// mutation builds a new slice (and new Task values for touched tasks) and
// publishes it atomically, so concurrent readers always see a consistent
// catalog.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	tasks *state.Value[[]Task]
	now   func() time.Time
}

// NewRegistry creates a registry with one empty task per id.
func NewRegistry(taskIDs ...string) *Registry {
	r := &Registry{now: time.Now}
	tasks := make([]Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		tasks = append(tasks, Task{ID: id, Models: []*Model{}})
	}
	r.tasks = state.NewValue(tasks)
	return r
}

// Tasks returns the current task snapshot. Callers must not modify it.
func (r *Registry) Tasks() []Task {
	return r.tasks.Load()
}

// Task returns one task by id.
func (r *Registry) Task(id string) (Task, bool) {
	for _, t := range r.tasks.Load() {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Model returns the first model with the given name across all tasks.
func (r *Registry) Model(name string) (*Model, bool) {
	for _, t := range r.tasks.Load() {
		if i := t.indexOf(name); i >= 0 {
			return t.Models[i], true
		}
	}
	return nil, false
}

// ModelInTask returns the named model only if the task lists it.
func (r *Registry) ModelInTask(taskID, name string) (*Model, error) {
	t, ok := r.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	i := t.indexOf(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s (task: %s)", ErrModelNotFound, name, taskID)
	}
	return t.Models[i], nil
}

// TasksForModel lists the ids of tasks containing the model.
func (r *Registry) TasksForModel(name string) []string {
	var ids []string
	for _, t := range r.tasks.Load() {
		if t.HasModel(name) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Models returns every distinct model, first occurrence wins.
func (r *Registry) Models() []*Model {
	seen := make(map[string]bool)
	var out []*Model
	for _, t := range r.tasks.Load() {
		for _, m := range t.Models {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			out = append(out, m)
		}
	}
	return out
}

// Replace swaps the whole catalog. Task ids present in the current snapshot
// but absent from tasks are kept, emptied. Every task's trigger is bumped.
func (r *Registry) Replace(tasks []Task) {
	r.tasks.Update(func(cur []Task) []Task {
		byID := make(map[string]Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID] = t
		}

		next := make([]Task, 0, len(cur)+len(tasks))
		placed := make(map[string]bool)
		for _, old := range cur {
			nt, ok := byID[old.ID]
			if !ok {
				nt = Task{ID: old.ID}
			}
			next = append(next, r.withModels(old, nt.Models))
			placed[old.ID] = true
		}
		for _, t := range tasks {
			if !placed[t.ID] {
				next = append(next, r.withModels(Task{ID: t.ID}, t.Models))
				placed[t.ID] = true
			}
		}
		return next
	})
}

// AddModel appends m to each listed task, replacing a same-named model
// already in that task.
func (r *Registry) AddModel(m *Model, taskIDs ...string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var missing error
	r.tasks.Update(func(cur []Task) []Task {
		want := make(map[string]bool, len(taskIDs))
		for _, id := range taskIDs {
			want[id] = true
		}

		next := make([]Task, len(cur))
		for i, t := range cur {
			if !want[t.ID] {
				next[i] = t
				continue
			}
			delete(want, t.ID)

			models := make([]*Model, 0, len(t.Models)+1)
			replaced := false
			for _, existing := range t.Models {
				if existing.Name == m.Name {
					models = append(models, m)
					replaced = true
					continue
				}
				models = append(models, existing)
			}
			if !replaced {
				models = append(models, m)
			}
			next[i] = r.withModels(t, models)
		}
		for id := range want {
			missing = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return next
	})
	return missing
}

// RemoveModel removes the named model from every task and returns the ids
// of the tasks it was removed from.
func (r *Registry) RemoveModel(name string) []string {
	var removed []string
	r.tasks.Update(func(cur []Task) []Task {
		removed = nil
		next := make([]Task, len(cur))
		for i, t := range cur {
			idx := t.indexOf(name)
			if idx < 0 {
				next[i] = t
				continue
			}
			models := make([]*Model, 0, len(t.Models)-1)
			models = append(models, t.Models[:idx]...)
			models = append(models, t.Models[idx+1:]...)
			next[i] = r.withModels(t, models)
			removed = append(removed, t.ID)
		}
		return next
	})
	return removed
}

// Subscribe signals after every structural change.
func (r *Registry) Subscribe(ctx context.Context) <-chan struct{} {
	return r.tasks.Subscribe(ctx)
}

// withModels returns a copy of t with the given models and a bumped trigger.
func (r *Registry) withModels(t Task, models []*Model) Task {
	if models == nil {
		models = []*Model{}
	}
	trigger := r.now().UnixMilli()
	if trigger <= t.UpdateTrigger {
		trigger = t.UpdateTrigger + 1
	}
	return Task{ID: t.ID, Models: models, UpdateTrigger: trigger}
}
