// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for operator-provided identifiers that end
// up in storage keys, filesystem paths, or branch refs. Using these validators
// prevents injection attacks (key collisions, path traversal, ref injection).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// projectIDPattern matches valid project identifiers.
// Allows: letters, digits, dots, hyphens, underscores
// Max length: 64 characters
var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateProjectID validates a project identifier.
//
// Project ids are embedded in store keys and history index prefixes, so
// they must never contain the key separator or path elements.
//
// Valid ids:
//   - 1-64 characters
//   - Letters and digits
//   - Dots (.), hyphens (-), underscores (_) after the first character
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateProjectID(id); err != nil {
//	    return fmt.Errorf("invalid project id: %w", err)
//	}
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("project id cannot be empty")
	}

	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("invalid project id: %q (must be 1-64 alphanumeric chars, dots, hyphens, or underscores)", id)
	}

	return nil
}

// branchPattern matches the per-segment shape of a branch name.
var branchSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// ValidateBranchName validates a branch reference.
//
// Branch names flow into staging paths and merge request refs. Slashes
// are allowed between segments ("release/1.2"), but no segment may be
// empty, start with a dot, or be a path traversal element.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(branch) > 200 {
		return fmt.Errorf("branch name too long: %d chars (max 200)", len(branch))
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with a hyphen: %q", branch)
	}

	for _, segment := range strings.Split(branch, "/") {
		if segment == "" {
			return fmt.Errorf("branch name has an empty segment: %q", branch)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("branch name contains a path traversal segment: %q", branch)
		}
		if !branchSegmentPattern.MatchString(segment) {
			return fmt.Errorf("invalid branch name segment: %q", segment)
		}
	}

	return nil
}
