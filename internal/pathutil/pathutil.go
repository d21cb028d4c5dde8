// Package pathutil provides path normalization and symlink-safe containment
// checks used by every subsystem that turns untrusted input into a
// filesystem path.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxPathLength bounds any requested file path.
const MaxPathLength = 512

// Path validation errors.
var (
	ErrNullByte     = errors.New("path contains null byte")
	ErrTraversal    = errors.New("path contains '..' segment")
	ErrTooLong      = errors.New("path exceeds maximum length")
	ErrOutsideRoot  = errors.New("path resolves outside root")
	ErrInvalidAgent = errors.New("invalid agent id")
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAgentID checks that an id is usable as a disk path segment.
// Traversal-hostile characters are rejected by the character class; the
// length bound keeps directory names portable.
func ValidateAgentID(id string) error {
	if id == "" || len(id) >= 256 {
		return ErrInvalidAgent
	}
	if !agentIDPattern.MatchString(id) {
		return ErrInvalidAgent
	}
	return nil
}

// Normalize canonicalizes a relative path: rejects null bytes and any ".."
// segment, collapses repeated separators, strips "." segments, and removes
// leading and trailing separators. Backslashes are treated as separators so
// Windows-style traversal cannot slip through.
func Normalize(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", ErrNullByte
	}
	p = strings.ReplaceAll(p, "\\", "/")

	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", ErrTraversal
		default:
			out = append(out, part)
		}
	}
	return strings.Join(out, "/"), nil
}

// ValidateFilePath resolves requested against root and returns the absolute
// path if and only if it is contained inside root after symlink resolution.
// Parents that do not exist yet are allowed: the deepest existing ancestor
// is the one resolved.
func ValidateFilePath(requested, root string) (string, error) {
	if len(requested) > MaxPathLength {
		return "", ErrTooLong
	}
	if strings.ContainsRune(requested, 0) {
		return "", ErrNullByte
	}

	rel, err := Normalize(requested)
	if err != nil {
		return "", err
	}

	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	candidate := filepath.Join(rootReal, filepath.FromSlash(rel))
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}

	if !contained(resolved, rootReal) {
		return "", ErrOutsideRoot
	}
	return candidate, nil
}

// resolveExisting walks up from p until it finds an existing ancestor,
// resolves that through symlinks, and re-joins the missing suffix.
func resolveExisting(p string) (string, error) {
	var suffix []string
	current := p
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				real = filepath.Join(real, suffix[i])
			}
			return real, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = append(suffix, filepath.Base(current))
		current = parent
	}
}

// contained reports whether p is root or sits under it. The trailing
// separator guards against prefix collisions like /tmp/abc vs /tmp/abcevil.
func contained(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
