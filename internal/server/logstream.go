package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// apiQueueLogStream tails a queue's spool log file over SSE, following
// new writes the way lpd's print filters append to it. Grounded on the
// teacher's job-log SSE tailer, retargeted from a per-job rclone log
// path to a queue's fixed spool/log file.
func (s *Server) apiQueueLogStream(c *gin.Context) {
	ctx := c.Request.Context()
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		c.String(http.StatusBadRequest, "missing queue name")
		return
	}
	logPath := s.backend.LogPath(name)
	if logPath == "" {
		c.Status(http.StatusNotFound)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "no flusher")
		return
	}

	if err := writeSSE(c.Writer, "init", ""); err != nil {
		return
	}
	flusher.Flush()

	var f *os.File
	deadline := time.Now().Add(8 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ff, err := os.Open(logPath)
		if err == nil {
			f = ff
			break
		}
		if time.Now().After(deadline) {
			_ = writeSSE(c.Writer, "log", fmt.Sprintf("log file not yet created: %s", filepath.Base(logPath)))
			flusher.Flush()
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	defer f.Close()

	if text, err := tailLastLines(f, 200, 1<<20); err == nil && strings.TrimSpace(text) != "" {
		_ = writeSSE(c.Writer, "log", text)
		flusher.Flush()
	}

	offset, _ := f.Seek(0, io.SeekEnd)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			info, err := f.Stat()
			if err != nil {
				return
			}
			if offset > info.Size() {
				offset = 0
				_, _ = f.Seek(0, io.SeekStart)
			}
			if offset == info.Size() {
				continue
			}
			buf := make([]byte, info.Size()-offset)
			n, _ := f.ReadAt(buf, offset)
			if n <= 0 {
				continue
			}
			offset += int64(n)
			_ = writeSSE(c.Writer, "log", string(buf[:n]))
			flusher.Flush()
		}
	}
}

func tailLastLines(f *os.File, lines int, maxBytes int64) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	start := size - maxBytes
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	text := strings.ReplaceAll(string(b), "\r\n", "\n")
	parts := strings.Split(text, "\n")
	if len(parts) <= lines {
		return text, nil
	}
	return strings.Join(parts[len(parts)-lines:], "\n"), nil
}

func writeSSE(w io.Writer, event, data string) error {
	bw := bufio.NewWriter(w)
	if event != "" {
		if _, err := bw.WriteString("event: " + event + "\n"); err != nil {
			return err
		}
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		if _, err := bw.WriteString("data: " + line + "\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}
