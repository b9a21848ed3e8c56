// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// sourceExtensions limits local listings to analyzable source files.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".java": true, ".rb": true, ".rs": true, ".c": true,
	".h": true, ".cpp": true, ".cs": true, ".php": true, ".sh": true,
	".sql": true, ".yaml": true, ".yml": true, ".tf": true,
}

// skippedDirs are never descended into during local listings.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	"dist": true, "build": true, ".venv": true, "__pycache__": true,
}

// LocalClient serves a checked-out working copy from the filesystem.
//
// It is the lightweight mode used when no hosted provider is
// configured: listings and reads come straight from disk, refs are
// accepted but not resolved, and write operations (branches, commits,
// merge requests) are staged under a .sentinel directory next to the
// working copy instead of touching it. That keeps proposed fixes
// reviewable on disk without a provider round trip.
type LocalClient struct {
	root     string
	stageDir string

	mu       sync.Mutex
	branches map[string]string // branch name -> fromRef
}

// NewLocalClient creates a client over the working copy at root.
func NewLocalClient(root string) (*LocalClient, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", root)
	}
	return &LocalClient{
		root:     root,
		stageDir: filepath.Join(root, ".sentinel"),
		branches: make(map[string]string),
	}, nil
}

// ListFiles walks the working copy and returns source files in sorted
// path order, which keeps analysis and scoring deterministic.
func (c *LocalClient) ListFiles(ctx context.Context, _ string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] || d.Name() == ".sentinel" {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", c.root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (c *LocalClient) GetFileContent(ctx context.Context, path, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s escapes the repository", ErrFileNotFound, path)
	}
	data, err := os.ReadFile(filepath.Join(c.root, clean))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListChangedFiles has no commit graph to consult locally, so it
// returns an empty set and the caller falls back to a full listing.
func (c *LocalClient) ListChangedFiles(_ context.Context, commitRef string) ([]string, error) {
	slog.Debug("Local repository has no commit graph, returning no changed files",
		"commit_ref", commitRef)
	return nil, nil
}

func (c *LocalClient) CreateBranch(_ context.Context, name, fromRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.branches[name]; ok {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	c.branches[name] = fromRef
	return nil
}

// CommitFile stages the file under .sentinel/<branch>/ and returns a
// content-derived pseudo commit ref.
func (c *LocalClient) CommitFile(_ context.Context, path, content, message, branch string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.branches[branch]; !ok {
		return "", fmt.Errorf("%w: branch %s", ErrRefNotFound, branch)
	}

	dest := filepath.Join(c.stageDir, branch, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("stage directory: %w", err)
	}
	if err := os.WriteFile(dest, []byte(content), 0640); err != nil {
		return "", fmt.Errorf("stage file: %w", err)
	}

	sum := sha256.Sum256([]byte(branch + "\x00" + path + "\x00" + content))
	commitRef := hex.EncodeToString(sum[:8])
	slog.Info("Staged local commit",
		"branch", branch, "path", path, "commit_ref", commitRef, "message", message)
	return commitRef, nil
}

// OpenMergeRequest records the request as a markdown file in the stage
// directory and returns its path as the ref.
func (c *LocalClient) OpenMergeRequest(_ context.Context, sourceBranch, targetBranch, title, description string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.branches[sourceBranch]; !ok {
		return "", fmt.Errorf("%w: branch %s", ErrRefNotFound, sourceBranch)
	}

	if err := os.MkdirAll(c.stageDir, 0750); err != nil {
		return "", fmt.Errorf("stage directory: %w", err)
	}
	name := fmt.Sprintf("mr_%s_%d.md", strings.ReplaceAll(sourceBranch, "/", "_"),
		time.Now().UnixNano())
	dest := filepath.Join(c.stageDir, name)
	body := fmt.Sprintf("# %s\n\nSource: %s\nTarget: %s\n\n%s\n",
		title, sourceBranch, targetBranch, description)
	if err := os.WriteFile(dest, []byte(body), 0640); err != nil {
		return "", fmt.Errorf("write merge request: %w", err)
	}
	return dest, nil
}

var _ Client = (*LocalClient)(nil)
