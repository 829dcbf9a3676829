package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"tagscan/internal/failure"
	"tagscan/memguard"
)

const settingsFile = "settings.json"

// Settings are the pipeline values that can be tuned while the service runs.
type Settings struct {
	MemoryHighWaterMB   uint64  `json:"memory_high_water_mb"`
	MemoryHardCeilingMB uint64  `json:"memory_hard_ceiling_mb"`
	MemoryReclaimEvery  int     `json:"memory_reclaim_every"`
	PageWorkers         int     `json:"page_workers"`
	MergeIoUThreshold   float64 `json:"merge_iou_threshold"`
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	MemoryHighWaterMB   *uint64  `json:"memory_high_water_mb"`
	MemoryHardCeilingMB *uint64  `json:"memory_hard_ceiling_mb"`
	MemoryReclaimEvery  *int     `json:"memory_reclaim_every"`
	PageWorkers         *int     `json:"page_workers"`
	MergeIoUThreshold   *float64 `json:"merge_iou_threshold"`
}

func defaultSettings(cfg *AppConfig) Settings {
	return Settings{
		MemoryHighWaterMB:   cfg.MemoryHighWaterMB,
		MemoryHardCeilingMB: cfg.MemoryHardCeilingMB,
		MemoryReclaimEvery:  cfg.MemoryReclaimEvery,
		PageWorkers:         cfg.PageWorkers,
		MergeIoUThreshold:   cfg.MergeIoUThreshold,
	}
}

// Validate checks the settings ranges.
func (s Settings) Validate() error {
	if err := s.guardConfig().Validate(); err != nil {
		return err
	}
	if s.MemoryReclaimEvery < 0 {
		return failure.Validation("memory_reclaim_every must not be negative").With("field", "memory_reclaim_every")
	}
	if s.PageWorkers < 1 || s.PageWorkers > 64 {
		return failure.Validation("page_workers must be between 1 and 64").With("field", "page_workers")
	}
	if s.MergeIoUThreshold <= 0 || s.MergeIoUThreshold > 1 {
		return failure.Validation("merge_iou_threshold must be in (0, 1]").With("field", "merge_iou_threshold")
	}
	return nil
}

func (s Settings) guardConfig() memguard.Config {
	return memguard.Config{
		HighWaterMB:   s.MemoryHighWaterMB,
		HardCeilingMB: s.MemoryHardCeilingMB,
		ReclaimEvery:  s.MemoryReclaimEvery,
	}
}

func (s Settings) apply(p SettingsPatch) Settings {
	if p.MemoryHighWaterMB != nil {
		s.MemoryHighWaterMB = *p.MemoryHighWaterMB
	}
	if p.MemoryHardCeilingMB != nil {
		s.MemoryHardCeilingMB = *p.MemoryHardCeilingMB
	}
	if p.MemoryReclaimEvery != nil {
		s.MemoryReclaimEvery = *p.MemoryReclaimEvery
	}
	if p.PageWorkers != nil {
		s.PageWorkers = *p.PageWorkers
	}
	if p.MergeIoUThreshold != nil {
		s.MergeIoUThreshold = *p.MergeIoUThreshold
	}
	return s
}

// SettingsStore keeps the current settings and their file in sync.
type SettingsStore struct {
	mu       sync.RWMutex
	dir      string
	settings Settings
}

// loadSettings loads the settings from settings.json in dir, creating it
// with defaults if it doesn't exist or is corrupt.
func loadSettings(dir string, defaults Settings) *SettingsStore {
	s := &SettingsStore{dir: dir, settings: defaults}

	settingsPath := filepath.Join(dir, settingsFile)
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("Settings file not found at %s, creating with default values.", settingsPath)
			if err := s.saveLocked(); err != nil {
				log.Errorf("Failed to create default settings file: %v", err)
			}
		} else {
			log.Warnf("Failed to read settings file: %v. Loading default settings.", err)
		}
		return s
	}

	loaded := defaults
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Warnf("Failed to parse settings file, please check its format. Loading default settings. Error: %v", err)
		return s
	}
	if err := loaded.Validate(); err != nil {
		log.Warnf("Settings file holds invalid values, loading default settings: %v", err)
		return s
	}
	s.settings = loaded
	log.Info("Successfully loaded settings from settings.json")
	return s
}

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and persists a patch and returns the new settings.
func (s *SettingsStore) Update(p SettingsPatch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings.apply(p)
	if err := next.Validate(); err != nil {
		return s.settings, err
	}
	prev := s.settings
	s.settings = next
	if err := s.saveLocked(); err != nil {
		s.settings = prev
		return prev, err
	}
	return next, nil
}

// saveLocked writes the settings file; the caller holds the lock or owns s
// exclusively.
func (s *SettingsStore) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, settingsFile), data, 0644)
}
