// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repo defines the source-repository client consumed by the
// pipeline. Concrete providers (GitLab, GitHub, local git) live behind
// this interface; the pipeline never sees a provider's wire format.
package repo

import (
	"context"
	"errors"
)

// Sentinel errors repository clients should wrap.
var (
	// ErrFileNotFound indicates the path does not exist at the ref.
	ErrFileNotFound = errors.New("file not found")

	// ErrRefNotFound indicates the ref does not exist.
	ErrRefNotFound = errors.New("ref not found")

	// ErrBranchExists indicates a branch creation collided.
	ErrBranchExists = errors.New("branch already exists")
)

// FileInfo describes one file in a repository listing.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// Client is the pipeline's view of a source repository.
//
// All methods take a context; implementations are expected to honor
// cancellation and carry their own retry policy. The pipeline treats
// a returned error as a single failed call.
type Client interface {
	// ListFiles lists files reachable at the given ref.
	ListFiles(ctx context.Context, ref string) ([]FileInfo, error)

	// GetFileContent fetches one file's content at the given ref.
	GetFileContent(ctx context.Context, path, ref string) (string, error)

	// ListChangedFiles lists paths touched by the given commit.
	ListChangedFiles(ctx context.Context, commitRef string) ([]string, error)

	// CreateBranch creates a branch at fromRef.
	CreateBranch(ctx context.Context, name, fromRef string) error

	// CommitFile commits one file to a branch and returns the commit ref.
	CommitFile(ctx context.Context, path, content, message, branch string) (string, error)

	// OpenMergeRequest opens a merge request and returns its ref.
	OpenMergeRequest(ctx context.Context, sourceBranch, targetBranch, title, description string) (string, error)
}
