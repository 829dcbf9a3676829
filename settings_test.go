package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagscan/internal/failure"
)

func testSettings() Settings {
	return Settings{
		MemoryHighWaterMB:   3072,
		MemoryHardCeilingMB: 4096,
		MemoryReclaimEvery:  25,
		PageWorkers:         2,
		MergeIoUThreshold:   0.5,
	}
}

func TestLoadSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    func(Settings) Settings
	}{
		{
			name: "missing file gets defaults",
			want: func(s Settings) Settings { return s },
		},
		{
			name:    "file overrides defaults",
			content: `{"page_workers": 6, "merge_iou_threshold": 0.3}`,
			want: func(s Settings) Settings {
				s.PageWorkers = 6
				s.MergeIoUThreshold = 0.3
				return s
			},
		},
		{
			name:    "corrupt file falls back",
			content: `{"page_workers": `,
			want:    func(s Settings) Settings { return s },
		},
		{
			name:    "invalid values fall back",
			content: `{"memory_high_water_mb": 9000}`,
			want:    func(s Settings) Settings { return s },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.content != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFile), []byte(tt.content), 0644))
			}
			store := loadSettings(dir, testSettings())
			assert.Equal(t, tt.want(testSettings()), store.Get())
			assert.FileExists(t, filepath.Join(dir, settingsFile))
		})
	}
}

func TestSettingsUpdate(t *testing.T) {
	dir := t.TempDir()
	store := loadSettings(dir, testSettings())

	workers := 8
	iou := 0.65
	got, err := store.Update(SettingsPatch{PageWorkers: &workers, MergeIoUThreshold: &iou})
	require.NoError(t, err)
	assert.Equal(t, 8, got.PageWorkers)
	assert.Equal(t, uint64(3072), got.MemoryHighWaterMB, "untouched fields keep their value")

	data, err := os.ReadFile(filepath.Join(dir, settingsFile))
	require.NoError(t, err)
	var onDisk Settings
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, got, onDisk)

	reloaded := loadSettings(dir, testSettings())
	assert.Equal(t, got, reloaded.Get())

	ceiling := uint64(1024)
	_, err = store.Update(SettingsPatch{MemoryHardCeilingMB: &ceiling})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	assert.Equal(t, got, store.Get(), "failed updates leave settings untouched")
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		field  string
	}{
		{"valid", func(*Settings) {}, ""},
		{"unbounded ceiling", func(s *Settings) { s.MemoryHardCeilingMB = 0 }, ""},
		{"negative reclaim", func(s *Settings) { s.MemoryReclaimEvery = -1 }, "memory_reclaim_every"},
		{"too many workers", func(s *Settings) { s.PageWorkers = 65 }, "page_workers"},
		{"zero iou", func(s *Settings) { s.MergeIoUThreshold = 0 }, "merge_iou_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			tt.modify(&s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var fe *failure.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Details["field"])
		})
	}
}
