package files

import (
	"reflect"
	"testing"

	"github.com/robman/flohub/pkg/models"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReadWriteDelete(t *testing.T) {
	s := newSandbox(t)

	if err := s.WriteFile("notes/todo.md", "# Todo\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := s.ReadFile("notes/todo.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "# Todo\n" {
		t.Errorf("content = %q", got)
	}

	if err := s.DeleteFile("notes/todo.md"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := s.ReadFile("notes/todo.md"); err == nil {
		t.Error("read succeeded after delete")
	}
}

func TestTraversalRejected(t *testing.T) {
	s := newSandbox(t)
	ops := map[string]func() error{
		"write":  func() error { return s.WriteFile("../outside.txt", "x") },
		"read":   func() error { _, err := s.ReadFile("../../etc/passwd"); return err },
		"delete": func() error { return s.DeleteFile("..\\win.txt") },
		"mkdir":  func() error { return s.Mkdir("a/../../b") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); err == nil {
				t.Error("traversal path accepted")
			}
		})
	}
}

func TestListDirAndFiles(t *testing.T) {
	s := newSandbox(t)
	s.WriteFile("a.txt", "1")
	s.WriteFile("docs/b.md", "2")
	s.WriteFile("docs/deep/c.md", "3")

	t.Run("list_dir", func(t *testing.T) {
		entries, err := s.ListDir("docs")
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Fatalf("entries = %d, want 2", len(entries))
		}
	})

	t.Run("list_files all", func(t *testing.T) {
		paths, err := s.ListFiles("")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"a.txt", "docs/b.md", "docs/deep/c.md"}
		if !reflect.DeepEqual(paths, want) {
			t.Errorf("paths = %v, want %v", paths, want)
		}
	})

	t.Run("list_files glob", func(t *testing.T) {
		paths, err := s.ListFiles("**/*.md")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"docs/b.md", "docs/deep/c.md"}
		if !reflect.DeepEqual(paths, want) {
			t.Errorf("paths = %v, want %v", paths, want)
		}
	})
}

func TestFrontmatter(t *testing.T) {
	s := newSandbox(t)
	s.WriteFile("with.md", "---\ntitle: Hello\ntags: a, b\n---\nbody\n")
	s.WriteFile("crlf.md", "---\r\ntitle: CRLF\r\n---\r\nbody\r\n")
	s.WriteFile("without.md", "just text\n")
	s.WriteFile("unclosed.md", "---\ntitle: nope\n")

	entries, err := s.Frontmatter("*.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byPath := map[string]map[string]string{}
	for _, e := range entries {
		byPath[e.Path] = e.Frontmatter
	}
	if byPath["with.md"]["title"] != "Hello" {
		t.Errorf("title = %q", byPath["with.md"]["title"])
	}
	if byPath["with.md"]["tags"] != "a, b" {
		t.Errorf("tags = %q", byPath["with.md"]["tags"])
	}
	if byPath["crlf.md"]["title"] != "CRLF" {
		t.Errorf("crlf title = %q", byPath["crlf.md"]["title"])
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := newSandbox(t)
	src.WriteFile("text.txt", "plain text")
	src.WriteFile("img.png", string([]byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}))

	packed, err := src.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) != 2 {
		t.Fatalf("packed = %d entries, want 2", len(packed))
	}

	encodings := map[string]models.FileEncoding{}
	for _, e := range packed {
		encodings[e.Path] = e.Encoding
	}
	if encodings["text.txt"] != models.EncodingUTF8 {
		t.Errorf("text.txt encoding = %s", encodings["text.txt"])
	}
	if encodings["img.png"] != models.EncodingBase64 {
		t.Errorf("img.png encoding = %s", encodings["img.png"])
	}

	dst := newSandbox(t)
	if err := dst.Unpack(packed); err != nil {
		t.Fatal(err)
	}
	text, err := dst.ReadFile("text.txt")
	if err != nil || text != "plain text" {
		t.Errorf("text.txt = %q, %v", text, err)
	}
	img, err := dst.ReadFile("img.png")
	if err != nil {
		t.Fatal(err)
	}
	if img != string([]byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}) {
		t.Errorf("binary content corrupted: %v", []byte(img))
	}
}
