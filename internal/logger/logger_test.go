package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempLogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("APPDATA", dir)
	return Dir()
}

func TestWriteAppendsToDayFile(t *testing.T) {
	tempLogDir(t)

	l, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	if _, err := l.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	day := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(l.dir, "agentlink-"+day+".log"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("Expected file content %q, got %q", "hello\n", string(data))
	}
}

func TestRotateStampsFullFileAside(t *testing.T) {
	tempLogDir(t)

	l, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	// Two writes that together exceed MaxSize force a rotation; the first
	// file must be stamped aside and the day name reopened fresh
	chunk := []byte(strings.Repeat("x", MaxSize/2+1))
	if _, err := l.Write(chunk); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if _, err := l.Write(chunk); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) != 2 {
		t.Fatalf("Expected 2 log files after rotation, got %d: %v", len(names), names)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("Expected fresh file to hold only the second write (%d bytes), got %d", len(chunk), info.Size())
	}
}
