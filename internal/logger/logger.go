package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	MaxSize    = 10 * 1024 * 1024 // 10MB
	MaxBackups = 7
)

// Logger writes to a size-rotated file under the agentlink log directory.
// The live file is named by day; when it outgrows MaxSize it is stamped
// aside and a fresh file opened under the same day name.
type Logger struct {
	mu   sync.Mutex
	dir  string
	path string
	file *os.File
	size int64
}

func New() (*Logger, error) {
	dir := Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	l := &Logger{dir: dir}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(p)) > MaxSize {
		l.rotate()
	}

	n, err := l.file.Write(p)
	l.size += int64(n)
	return n, err
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Writer tees log output to the rotating file and stderr
func (l *Logger) Writer() io.Writer {
	return io.MultiWriter(l, os.Stderr)
}

func (l *Logger) open() error {
	path := filepath.Join(l.dir, fmt.Sprintf("agentlink-%s.log", time.Now().Format("2006-01-02")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	info, _ := f.Stat()
	l.path = path
	l.file = f
	l.size = info.Size()
	return nil
}

// rotate stamps the full file aside so the day name stays writable, then
// prunes the oldest backups
func (l *Logger) rotate() {
	l.file.Close()
	stamped := fmt.Sprintf("agentlink-%s.log", time.Now().Format("2006-01-02T15-04-05"))
	os.Rename(l.path, filepath.Join(l.dir, stamped))
	l.prune()
	l.open()
}

func (l *Logger) prune() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var logs []backup
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, backup{filepath.Join(l.dir, e.Name()), info.ModTime()})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].mod.Before(logs[j].mod)
	})

	for len(logs) > MaxBackups {
		os.Remove(logs[0].path)
		logs = logs[1:]
	}
}

// Dir returns the OS-specific log directory
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "agentlink", "logs")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Logs", "agentlink")
	default:
		return filepath.Join(os.Getenv("HOME"), ".agentlink", "logs")
	}
}
