package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-agents/agentlink/internal/logger"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View agentlink logs",
	Run:   runLogs,
}

var (
	logLines  int
	logFollow bool
)

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log output")
}

func runLogs(cmd *cobra.Command, args []string) {
	path := latestLog(logger.Dir())
	if path == "" {
		fmt.Println("No log files found in", logger.Dir())
		return
	}

	if logFollow {
		follow(path)
	} else {
		tailLines(path, logLines)
	}
}

// latestLog returns the most recently written .log file in dir
func latestLog(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	return best
}

func tailLines(path string, n int) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}

	for _, line := range ring {
		fmt.Println(line)
	}
}

// follow prints lines as they are appended, polling on EOF like tail -f
func follow(path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer f.Close()

	f.Seek(0, io.SeekEnd)

	r := bufio.NewReader(f)
	partial := ""
	for {
		partial = drainLines(r, os.Stdout, partial)
		time.Sleep(500 * time.Millisecond)
	}
}

// drainLines copies complete lines from r to w until EOF, returning any
// trailing partial line so the caller can retry once more data arrives
func drainLines(r *bufio.Reader, w io.Writer, partial string) string {
	for {
		chunk, err := r.ReadString('\n')
		partial += chunk
		if err != nil {
			return partial
		}
		fmt.Fprint(w, partial)
		partial = ""
	}
}
