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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkingCopy(t *testing.T) (*LocalClient, string) {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"main.go":              "package main",
		"api/server.go":        "package api",
		"api/server_test.go":   "package api_test",
		"README.md":            "docs, not source",
		"node_modules/dep.js":  "skipped dir",
		".git/objects/ab":      "skipped dir",
		"scripts/provision.sh": "#!/bin/sh",
		"config/settings.yaml": "key: value",
	}
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0750))
		require.NoError(t, os.WriteFile(full, []byte(content), 0640))
	}

	client, err := NewLocalClient(root)
	require.NoError(t, err)
	return client, root
}

func TestNewLocalClientRejectsMissingRoot(t *testing.T) {
	_, err := NewLocalClient(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

// TestListFilesSourceOnlySorted verifies filtering and deterministic
// ordering.
func TestListFilesSourceOnlySorted(t *testing.T) {
	client, _ := newTestWorkingCopy(t)

	files, err := client.ListFiles(context.Background(), "main")
	require.NoError(t, err)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	assert.Equal(t, []string{
		"api/server.go",
		"api/server_test.go",
		"config/settings.yaml",
		"main.go",
		"scripts/provision.sh",
	}, paths)
}

func TestGetFileContent(t *testing.T) {
	client, _ := newTestWorkingCopy(t)

	content, err := client.GetFileContent(context.Background(), "api/server.go", "main")
	require.NoError(t, err)
	assert.Equal(t, "package api", content)

	_, err = client.GetFileContent(context.Background(), "absent.go", "main")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

// TestGetFileContentRejectsEscapes verifies traversal and absolute
// paths never leave the root.
func TestGetFileContentRejectsEscapes(t *testing.T) {
	client, _ := newTestWorkingCopy(t)

	for _, path := range []string{"../outside.go", "api/../../outside.go", "/etc/passwd"} {
		_, err := client.GetFileContent(context.Background(), path, "main")
		assert.ErrorIs(t, err, ErrFileNotFound, "path %s", path)
	}
}

func TestCreateBranchDuplicate(t *testing.T) {
	client, _ := newTestWorkingCopy(t)
	ctx := context.Background()

	require.NoError(t, client.CreateBranch(ctx, "sentinel/fix-1", "main"))
	assert.ErrorIs(t, client.CreateBranch(ctx, "sentinel/fix-1", "main"), ErrBranchExists)
}

// TestCommitFileStagesUnderSentinelDir verifies commits never touch the
// working copy.
func TestCommitFileStagesUnderSentinelDir(t *testing.T) {
	client, root := newTestWorkingCopy(t)
	ctx := context.Background()

	require.NoError(t, client.CreateBranch(ctx, "fix-branch", "main"))

	ref, err := client.CommitFile(ctx, "api/server.go", "package api // fixed",
		"fix: parameterize query", "fix-branch")
	require.NoError(t, err)
	assert.Len(t, ref, 16)

	// The working copy is untouched.
	original, err := os.ReadFile(filepath.Join(root, "api/server.go"))
	require.NoError(t, err)
	assert.Equal(t, "package api", string(original))

	// The staged copy carries the fix.
	staged, err := os.ReadFile(filepath.Join(root, ".sentinel", "fix-branch", "api/server.go"))
	require.NoError(t, err)
	assert.Equal(t, "package api // fixed", string(staged))
}

func TestCommitFileRequiresBranch(t *testing.T) {
	client, _ := newTestWorkingCopy(t)

	_, err := client.CommitFile(context.Background(), "main.go", "x", "msg", "ghost-branch")
	assert.ErrorIs(t, err, ErrRefNotFound)
}

func TestOpenMergeRequestWritesRecord(t *testing.T) {
	client, _ := newTestWorkingCopy(t)
	ctx := context.Background()

	require.NoError(t, client.CreateBranch(ctx, "fix-branch", "main"))

	ref, err := client.OpenMergeRequest(ctx, "fix-branch", "main",
		"Security fixes for api/server.go", "One HIGH finding remediated.")
	require.NoError(t, err)

	body, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Security fixes for api/server.go")
	assert.Contains(t, string(body), "Source: fix-branch")
	assert.Contains(t, string(body), "Target: main")
}

func TestOpenMergeRequestRequiresBranch(t *testing.T) {
	client, _ := newTestWorkingCopy(t)

	_, err := client.OpenMergeRequest(context.Background(), "ghost", "main", "t", "d")
	assert.ErrorIs(t, err, ErrRefNotFound)
}

// TestListFilesStageDirExcluded verifies staged fixes never feed back
// into the next scan.
func TestListFilesStageDirExcluded(t *testing.T) {
	client, _ := newTestWorkingCopy(t)
	ctx := context.Background()

	require.NoError(t, client.CreateBranch(ctx, "fix-branch", "main"))
	_, err := client.CommitFile(ctx, "staged.go", "package staged", "msg", "fix-branch")
	require.NoError(t, err)

	files, err := client.ListFiles(ctx, "main")
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f.Path, ".sentinel")
	}
}
