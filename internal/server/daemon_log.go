package server

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// apiDaemonLogStream tails the daemon's own zap/lumberjack log file
// (not a queue's), for the "what is lpspoold itself doing" admin view.
func (s *Server) apiDaemonLogStream(c *gin.Context) {
	ctx := c.Request.Context()
	if strings.TrimSpace(s.appLogPath) == "" {
		c.Status(http.StatusNotFound)
		return
	}
	f, err := os.Open(s.appLogPath)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer f.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "no flusher")
		return
	}

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
