// Package sse decodes and encodes OpenAI-shaped server-sent event streams.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

const (
	// DataPrefix starts every event line carrying a payload.
	DataPrefix = "data: "

	// Sentinel is the payload of the final event of a stream.
	Sentinel = "[DONE]"

	maxLoggedPayload = 200
)

// chunkPayload is the subset of a chat completion chunk the decoder reads.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder reassembles event lines from arbitrarily split byte chunks and
// extracts the delta text of each data line. It is not safe for concurrent use.
type Decoder struct {
	buf         []byte
	accumulated strings.Builder
	done        bool
	logger      *logger.Logger
}

// NewDecoder creates a decoder. A nil logger discards parse warnings.
func NewDecoder(log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Nop()
	}
	return &Decoder{logger: log}
}

// Feed consumes a chunk and returns the deltas of every line it completed.
// A trailing partial line is held until a later Feed or Flush completes it.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var deltas []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if delta, ok := d.processLine(line); ok {
			deltas = append(deltas, delta)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return deltas
}

// Flush treats any buffered partial line as complete. Call it once the
// transport has ended.
func (d *Decoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if delta, ok := d.processLine(line); ok {
		return []string{delta}
	}
	return nil
}

// Done reports whether the end-of-stream sentinel has been observed.
func (d *Decoder) Done() bool {
	return d.done
}

// Content returns the concatenation of every delta decoded so far.
func (d *Decoder) Content() string {
	return d.accumulated.String()
}

func (d *Decoder) processLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, DataPrefix) {
		return "", false
	}

	data := strings.TrimSpace(line[len(DataPrefix):])
	if data == Sentinel {
		d.done = true
		return "", false
	}
	if data == "" {
		return "", false
	}

	var payload chunkPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		metrics.MalformedChunksTotal.Inc()
		d.logger.Warn("skipping malformed stream chunk",
			zap.Error(err),
			zap.String("payload", truncate(data, maxLoggedPayload)),
		)
		return "", false
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Delta.Content == "" {
		return "", false
	}

	delta := payload.Choices[0].Delta.Content
	d.accumulated.WriteString(delta)
	return delta, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
