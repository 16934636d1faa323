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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(name string) *Model {
	return &Model{
		Name:             name,
		URL:              "https://example.com/" + name,
		SizeInBytes:      100,
		DownloadFileName: name + ".bin",
		Version:          "v1",
	}
}

// -----------------------------------------------------------------------------
// Model Tests
// -----------------------------------------------------------------------------

func TestModel_TotalBytes(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		extras []int64
		want   int64
	}{
		{"no extras", 100, nil, 100},
		{"one extra", 100, []int64{20}, 120},
		{"many extras", 1000, []int64{1, 2, 3}, 1006},
		{"empty", 0, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Model{SizeInBytes: tt.size}
			for i, s := range tt.extras {
				m.ExtraDataFiles = append(m.ExtraDataFiles, ExtraDataFile{
					Name:        string(rune('a' + i)),
					SizeInBytes: s,
				})
			}
			assert.Equal(t, tt.want, m.TotalBytes())
		})
	}
}

func TestModel_Validate(t *testing.T) {
	assert.NoError(t, newTestModel("gemma").Validate())

	for _, bad := range []string{"", "a/b", `a\b`} {
		m := newTestModel("x")
		m.Name = bad
		assert.ErrorIs(t, m.Validate(), ErrInvalidModelName, "name %q", bad)
	}

	m := newTestModel("gemma")
	m.DownloadFileName = ""
	assert.ErrorIs(t, m.Validate(), ErrMissingDownloadFileName)
}

func TestModel_Validate_RejectsEscapingNames(t *testing.T) {
	for _, bad := range []string{"../../../victim.txt", "..", ".", "a/b.bin", `a\b.bin`, "/etc/passwd"} {
		m := newTestModel("gemma")
		m.DownloadFileName = bad
		assert.ErrorIs(t, m.Validate(), ErrUnsafePath, "file %q", bad)

		m = newTestModel("gemma")
		m.ExtraDataFiles = []ExtraDataFile{{Name: "e", DownloadFileName: bad}}
		assert.ErrorIs(t, m.Validate(), ErrUnsafePath, "extra %q", bad)

		m = newTestModel("gemma")
		m.IsZip = true
		m.UnzipDir = bad
		assert.ErrorIs(t, m.Validate(), ErrUnsafePath, "unzip dir %q", bad)

		m = newTestModel("gemma")
		m.Version = bad
		assert.ErrorIs(t, m.Validate(), ErrUnsafePath, "version %q", bad)
	}

	m := newTestModel("gemma")
	m.DownloadFileName = "model..v2.bin"
	m.UnzipDir = "out"
	assert.NoError(t, m.Validate())
	assert.True(t, strings.HasPrefix(m.FilePath("/data"), filepath.Join("/data", "gemma")))
}

func TestModel_Paths(t *testing.T) {
	base := "/data"
	m := newTestModel("Gemma-3n E2B")

	assert.Equal(t, "Gemma_3n_E2B", m.NormalizedName())
	assert.Equal(t, filepath.Join(base, "Gemma_3n_E2B", "v1"), m.Dir(base))
	assert.Equal(t, filepath.Join(base, "Gemma_3n_E2B", "v1", "Gemma-3n E2B.bin"), m.FilePath(base))
	assert.Equal(t, m.FilePath(base)+".tmp", m.TempPath(base))
	assert.Empty(t, m.UnzipPath(base))
	assert.Equal(t, m.FilePath(base), m.ResolvedPath(base))

	m.IsZip = true
	m.UnzipDir = "unzipped"
	assert.Equal(t, filepath.Join(base, "Gemma_3n_E2B", "v1", "unzipped"), m.UnzipPath(base))
	assert.Equal(t, m.UnzipPath(base), m.ResolvedPath(base))

	m.LocalFilePathOverride = filepath.Join(t.TempDir(), "model.bin")
	assert.False(t, m.HasOverride())
	assert.Equal(t, m.UnzipPath(base), m.ResolvedPath(base), "missing override is ignored")

	require.NoError(t, os.WriteFile(m.LocalFilePathOverride, []byte("w"), 0644))
	assert.True(t, m.HasOverride())
	assert.Equal(t, m.LocalFilePathOverride, m.ResolvedPath(base))
}

func TestModel_ImportedDir(t *testing.T) {
	m := newTestModel("mine")
	m.Imported = true
	assert.Equal(t, filepath.Join("/data", ImportsDir), m.Dir("/data"))
}

func TestModel_Clone(t *testing.T) {
	m := newTestModel("a")
	m.ExtraDataFiles = []ExtraDataFile{{Name: "tok", SizeInBytes: 1}}

	c := m.Clone()
	c.ExtraDataFiles[0].SizeInBytes = 99

	assert.Equal(t, int64(1), m.ExtraDataFiles[0].SizeInBytes)
}

// -----------------------------------------------------------------------------
// Registry Tests
// -----------------------------------------------------------------------------

func TestRegistry_AddAndFind(t *testing.T) {
	r := NewRegistry(TaskLLMChat, TaskLLMPromptLab)
	m := newTestModel("gemma")

	require.NoError(t, r.AddModel(m, TaskLLMChat, TaskLLMPromptLab))

	found, ok := r.Model("gemma")
	require.True(t, ok)
	assert.Same(t, m, found)
	assert.ElementsMatch(t, []string{TaskLLMChat, TaskLLMPromptLab}, r.TasksForModel("gemma"))

	got, err := r.ModelInTask(TaskLLMChat, "gemma")
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestRegistry_AddModel_UnknownTask(t *testing.T) {
	r := NewRegistry(TaskLLMChat)
	err := r.AddModel(newTestModel("gemma"), TaskLLMChat, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, ok := r.Model("gemma")
	assert.True(t, ok, "known tasks are still updated")
}

func TestRegistry_AddModel_ReplacesSameName(t *testing.T) {
	r := NewRegistry(TaskLLMChat)
	require.NoError(t, r.AddModel(newTestModel("gemma"), TaskLLMChat))

	replacement := newTestModel("gemma")
	replacement.SizeInBytes = 555
	require.NoError(t, r.AddModel(replacement, TaskLLMChat))

	task, _ := r.Task(TaskLLMChat)
	require.Len(t, task.Models, 1)
	assert.Equal(t, int64(555), task.Models[0].SizeInBytes)
}

func TestRegistry_RemoveModel_FromEveryTask(t *testing.T) {
	r := NewRegistry(TaskLLMChat, TaskLLMPromptLab, TaskImageGeneration)
	require.NoError(t, r.AddModel(newTestModel("keep"), TaskLLMChat))
	require.NoError(t, r.AddModel(newTestModel("imported"), TaskLLMChat, TaskLLMPromptLab))

	removed := r.RemoveModel("imported")

	assert.ElementsMatch(t, []string{TaskLLMChat, TaskLLMPromptLab}, removed)
	_, ok := r.Model("imported")
	assert.False(t, ok)
	_, ok = r.Model("keep")
	assert.True(t, ok)
}

func TestRegistry_UpdateTriggerIsMonotonic(t *testing.T) {
	r := NewRegistry(TaskLLMChat)
	fixed := time.UnixMilli(1_000)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.AddModel(newTestModel("a"), TaskLLMChat))
	first, _ := r.Task(TaskLLMChat)
	require.NoError(t, r.AddModel(newTestModel("b"), TaskLLMChat))
	second, _ := r.Task(TaskLLMChat)
	r.RemoveModel("a")
	third, _ := r.Task(TaskLLMChat)

	assert.Greater(t, second.UpdateTrigger, first.UpdateTrigger)
	assert.Greater(t, third.UpdateTrigger, second.UpdateTrigger)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry(TaskLLMChat)
	before := r.Tasks()

	require.NoError(t, r.AddModel(newTestModel("a"), TaskLLMChat))

	assert.Empty(t, before[0].Models, "published snapshots never change")
	assert.Len(t, r.Tasks()[0].Models, 1)
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(TaskLLMChat, TaskImageGeneration)
	require.NoError(t, r.AddModel(newTestModel("old"), TaskImageGeneration))

	r.Replace([]Task{
		{ID: TaskLLMChat, Models: []*Model{newTestModel("new")}},
		{ID: "custom_task", Models: []*Model{newTestModel("custom")}},
	})

	tasks := r.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskLLMChat, tasks[0].ID)
	assert.Len(t, tasks[0].Models, 1)
	assert.Equal(t, TaskImageGeneration, tasks[1].ID)
	assert.Empty(t, tasks[1].Models)
	assert.Equal(t, "custom_task", tasks[2].ID)

	assert.Len(t, r.Models(), 2)
}

func TestIsLLMTask(t *testing.T) {
	assert.True(t, IsLLMTask(TaskLLMChat))
	assert.True(t, IsLLMTask(TaskLLMAskAudio))
	assert.False(t, IsLLMTask(TaskImageGeneration))
}
