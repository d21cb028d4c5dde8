// Package files implements the per-agent sandboxed filesystem: rooted
// read/write/list operations, glob matching, frontmatter extraction, and
// pack/unpack between the directory and a session's serialized file list.
package files

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robman/flohub/internal/pathutil"
	"github.com/robman/flohub/pkg/models"
)

// MaxReadSize caps a single read_file result.
const MaxReadSize = 10 << 20

// ErrNotFile is returned when a file operation hits a directory.
var ErrNotFile = errors.New("files: not a regular file")

// binaryExtensions lists extensions serialized as base64 in pack/unpack.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".pdf": true, ".zip": true, ".gz": true, ".tar": true,
	".woff": true, ".woff2": true, ".ttf": true, ".mp3": true, ".mp4": true,
	".wav": true, ".ogg": true, ".bin": true, ".sqlite": true, ".db": true,
}

// Sandbox is a rooted filesystem for one agent. Every path passes the
// symlink-safe validator before any I/O.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at root, creating the directory.
func NewSandbox(root string) (*Sandbox, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("files: create root: %w", err)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) resolve(p string) (string, error) {
	return pathutil.ValidateFilePath(p, s.root)
}

// ReadFile returns the file's content.
func (s *Sandbox) ReadFile(p string) (string, error) {
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFile
	}
	if info.Size() > MaxReadSize {
		return "", fmt.Errorf("files: %s exceeds read size cap", p)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories as needed.
func (s *Sandbox) WriteFile(p, content string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o600)
}

// DeleteFile removes a file or empty directory.
func (s *Sandbox) DeleteFile(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

// Mkdir creates a directory and its parents.
func (s *Sandbox) Mkdir(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o700)
}

// DirEntry is one ListDir row.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ListDir lists the immediate children of a directory.
func (s *Sandbox) ListDir(p string) ([]DirEntry, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	return out, nil
}

// ListFiles walks the whole sandbox and returns root-relative paths of
// regular files matching the glob pattern ("" matches everything).
func (s *Sandbox) ListFiles(pattern string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			ok, err := matchGlob(pattern, rel)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// matchGlob matches rel against pattern. "**/" prefixes match any leading
// directories, so "**/*.md" finds markdown at every depth.
func matchGlob(pattern, rel string) (bool, error) {
	if strings.HasPrefix(pattern, "**/") {
		suffix := strings.TrimPrefix(pattern, "**/")
		if ok, err := path.Match(suffix, path.Base(rel)); err != nil || ok {
			return ok, err
		}
		return path.Match(suffix, rel)
	}
	return path.Match(pattern, rel)
}

// FrontmatterEntry pairs a file path with its parsed frontmatter block.
type FrontmatterEntry struct {
	Path        string            `json:"path"`
	Frontmatter map[string]string `json:"frontmatter"`
}

// Frontmatter reads the leading "---" block from every file matching the
// pattern. Lines are parsed as flat "key: value" pairs; nested YAML is not
// interpreted.
func (s *Sandbox) Frontmatter(pattern string) ([]FrontmatterEntry, error) {
	paths, err := s.ListFiles(pattern)
	if err != nil {
		return nil, err
	}

	out := make([]FrontmatterEntry, 0, len(paths))
	for _, p := range paths {
		content, err := s.ReadFile(p)
		if err != nil {
			continue
		}
		fm, ok := parseFrontmatter(content)
		if !ok {
			continue
		}
		out = append(out, FrontmatterEntry{Path: p, Frontmatter: fm})
	}
	return out, nil
}

// parseFrontmatter extracts the block between the opening and closing
// "---" lines.
func parseFrontmatter(content string) (map[string]string, bool) {
	content = strings.TrimPrefix(content, "\ufeff")
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return nil, false
	}

	fm := make(map[string]string)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "---" {
			return fm, true
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fm[key] = strings.TrimSpace(value)
	}
	return nil, false // no closing fence
}

// Pack serializes the sandbox into a session file list. Files with a
// binary extension are base64 encoded.
func (s *Sandbox) Pack() ([]models.FileEntry, error) {
	paths, err := s.ListFiles("")
	if err != nil {
		return nil, err
	}

	out := make([]models.FileEntry, 0, len(paths))
	for _, p := range paths {
		full, err := s.resolve(p)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		entry := models.FileEntry{Path: p}
		if binaryExtensions[strings.ToLower(filepath.Ext(p))] {
			entry.Encoding = models.EncodingBase64
			entry.Content = base64.StdEncoding.EncodeToString(data)
		} else {
			entry.Encoding = models.EncodingUTF8
			entry.Content = string(data)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Unpack writes a session file list into the sandbox.
func (s *Sandbox) Unpack(entries []models.FileEntry) error {
	for _, entry := range entries {
		var data []byte
		switch entry.Encoding {
		case models.EncodingBase64:
			decoded, err := base64.StdEncoding.DecodeString(entry.Content)
			if err != nil {
				return fmt.Errorf("files: decode %s: %w", entry.Path, err)
			}
			data = decoded
		default:
			data = []byte(entry.Content)
		}

		full, err := s.resolve(entry.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0o600); err != nil {
			return err
		}
	}
	return nil
}
