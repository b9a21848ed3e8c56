// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projects is the registry of per-project scan configuration.
//
// The file-backed registry loads a YAML projects file, validates every
// entry, and hot-reloads on file changes so operators can add or retune
// projects without a restart. Webhook shared secrets never sit in plain
// process memory: they are moved into memguard enclaves at load time.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sentinel/pkg/validation"
	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
)

// Sentinel errors for registry lookups.
var (
	// ErrProjectNotFound indicates no scan config exists for the project.
	ErrProjectNotFound = errors.New("project not found")

	// ErrNoWebhookSecret indicates the project has no shared secret
	// configured, so webhook deliveries cannot be authenticated.
	ErrNoWebhookSecret = errors.New("project has no webhook secret")
)

// Source is the read surface the scheduler, webhook ingestor, and
// orchestrator consume.
type Source interface {
	// Get returns one project's scan config.
	Get(ctx context.Context, projectID string) (*datatypes.ProjectScanConfig, error)

	// List returns all known scan configs.
	List(ctx context.Context) ([]datatypes.ProjectScanConfig, error)

	// WebhookSecret opens the project's shared secret for HMAC
	// verification. The returned buffer must be destroyed by the caller.
	WebhookSecret(projectID string) (*memguard.LockedBuffer, error)
}

// fileEntry is one project in the YAML projects file.
type fileEntry struct {
	datatypes.ProjectScanConfig `yaml:",inline"`

	// WebhookSecret is read once at load and immediately moved into an
	// enclave.
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

type projectsFile struct {
	Projects []fileEntry `yaml:"projects"`
}

// FileRegistry is a Source backed by a YAML file with fsnotify reload.
//
// Thread Safety: safe for concurrent use; reloads swap state under a
// write lock.
type FileRegistry struct {
	path     string
	validate *validator.Validate

	mu      sync.RWMutex
	configs map[string]datatypes.ProjectScanConfig
	secrets map[string]*memguard.Enclave

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Source = (*FileRegistry)(nil)

// NewFileRegistry loads the projects file and returns a registry.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{
		path:     path,
		validate: validator.New(),
		done:     make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// reload re-reads and validates the projects file, replacing registry
// state only when the whole file parses cleanly.
func (r *FileRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read projects file %s: %w", r.path, err)
	}

	var file projectsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse projects file %s: %w", r.path, err)
	}

	configs := make(map[string]datatypes.ProjectScanConfig, len(file.Projects))
	secrets := make(map[string]*memguard.Enclave)
	for i, entry := range file.Projects {
		if err := r.validate.Struct(entry.ProjectScanConfig); err != nil {
			return fmt.Errorf("projects[%d] (%s): %w", i, entry.ProjectID, err)
		}
		// Ids and branches end up in store keys and staging paths.
		if err := validation.ValidateProjectID(entry.ProjectID); err != nil {
			return fmt.Errorf("projects[%d]: %w", i, err)
		}
		if err := validation.ValidateBranchName(entry.Branch); err != nil {
			return fmt.Errorf("projects[%d] (%s): %w", i, entry.ProjectID, err)
		}
		if _, dup := configs[entry.ProjectID]; dup {
			return fmt.Errorf("projects[%d]: duplicate project id %s", i, entry.ProjectID)
		}
		configs[entry.ProjectID] = entry.ProjectScanConfig
		if entry.WebhookSecret != "" {
			// NewEnclaveFromBytes wipes the source slice.
			secrets[entry.ProjectID] = memguard.NewEnclave([]byte(entry.WebhookSecret))
		}
	}

	r.mu.Lock()
	r.configs = configs
	r.secrets = secrets
	r.mu.Unlock()

	slog.Info("Loaded project scan configs", "path", r.path, "projects", len(configs))
	return nil
}

// Watch starts hot reload of the projects file until Stop is called.
func (r *FileRegistry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create projects watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops
	// a direct file watch.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					// Keep serving the last good config.
					slog.Error("Projects file reload failed, keeping previous config", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Projects watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop halts the watcher.
func (r *FileRegistry) Stop() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Get returns one project's scan config.
func (r *FileRegistry) Get(_ context.Context, projectID string) (*datatypes.ProjectScanConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrProjectNotFound)
	}
	return &cfg, nil
}

// List returns all known scan configs.
func (r *FileRegistry) List(_ context.Context) ([]datatypes.ProjectScanConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datatypes.ProjectScanConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out, nil
}

// WebhookSecret opens the project's shared secret. The caller must
// Destroy() the returned buffer after use.
func (r *FileRegistry) WebhookSecret(projectID string) (*memguard.LockedBuffer, error) {
	r.mu.RLock()
	enclave, ok := r.secrets[projectID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNoWebhookSecret)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open webhook secret for %s: %w", projectID, err)
	}
	return buf, nil
}

// StaticSource is an in-memory Source for tests and one-shot CLI use.
type StaticSource struct {
	Configs map[string]datatypes.ProjectScanConfig
	Secrets map[string]string
}

var _ Source = (*StaticSource)(nil)

func (s *StaticSource) Get(_ context.Context, projectID string) (*datatypes.ProjectScanConfig, error) {
	cfg, ok := s.Configs[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrProjectNotFound)
	}
	return &cfg, nil
}

func (s *StaticSource) List(_ context.Context) ([]datatypes.ProjectScanConfig, error) {
	out := make([]datatypes.ProjectScanConfig, 0, len(s.Configs))
	for _, cfg := range s.Configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (s *StaticSource) WebhookSecret(projectID string) (*memguard.LockedBuffer, error) {
	secret, ok := s.Secrets[projectID]
	if !ok || secret == "" {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNoWebhookSecret)
	}
	return memguard.NewBufferFromBytes([]byte(secret)), nil
}
