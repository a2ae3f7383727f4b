package log

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileLoggerCreatesPrivateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.mlog")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.mlog")
	for _, id := range []string{"first", "second"} {
		l, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger: %v", err)
		}
		l.Log(Event{ConnectionID: id})
		l.Close()
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	var ids []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids = append(ids, e.ConnectionID)
	}
	if len(ids) != 2 || ids[0] != "first" || ids[1] != "second" {
		t.Errorf("ids = %v", ids)
	}
}

func TestFileLoggerThreadSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.mlog")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Log(Event{Frame: &FrameEvent{Size: i}})
			}
		}()
	}
	wg.Wait()
	l.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	n := 0
	for {
		if _, err := r.Next(); err != nil {
			break
		}
		n++
	}
	if n != 400 {
		t.Errorf("read %d events, want 400", n)
	}
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	l, err := NewFileLogger(filepath.Join(t.TempDir(), "x.mlog"))
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	l.Log(Event{})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingWriter) Close() error              { return nil }

func TestFileLoggerCountsWriteErrors(t *testing.T) {
	l := NewWriterLogger(failingWriter{})
	l.Log(Event{})
	l.Log(Event{})
	if got := l.WriteErrors(); got != 2 {
		t.Errorf("WriteErrors = %d, want 2", got)
	}
}

func TestRotatingFileLogger(t *testing.T) {
	if _, err := NewRotatingFileLogger(RotationConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "node.mlog")
	l, err := NewRotatingFileLogger(RotationConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileLogger: %v", err)
	}
	l.Log(Event{ConnectionID: "before"})
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	l.Log(Event{ConnectionID: "after"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d files after rotation, want 2", len(entries))
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.ConnectionID != "after" {
		t.Errorf("active file starts with %q, want %q", e.ConnectionID, "after")
	}
}
