// Package utils holds filesystem and logging helpers shared across modsync.
package utils

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogInterceptor implements io.Writer and prefixes every complete line with a
// sequence number and a timestamp before forwarding it to the target writer.
// Incomplete trailing data is held back until the next write or Close.
type LogInterceptor struct {
	mu             sync.Mutex
	target         io.Writer
	sequenceNumber atomic.Uint64
	pending        bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeFormattedLine(line []byte) (int, error) {
	var buf bytes.Buffer
	buf.WriteString(slog.Uint64("line", i.sequenceNumber.Add(1)).String())
	buf.WriteByte(' ')
	buf.WriteString(slog.String("time", time.Now().Format(time.RFC3339)).String())
	buf.WriteByte(' ')
	buf.Write(bytes.TrimRight(line, "\r"))
	buf.WriteByte('\n')
	return i.target.Write(buf.Bytes())
}

// Write implements io.Writer. It reports len(p) on success so slog handlers
// do not treat the added prefixes as short writes.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	reader := bufio.NewReader(&i.pending)
	var rest []byte
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			rest = line
			break
		}
		if _, err := i.writeFormattedLine(bytes.TrimSuffix(line, []byte{'\n'})); err != nil {
			return 0, err
		}
	}
	i.pending.Reset()
	i.pending.Write(rest)
	return len(p), nil
}

// Close flushes any buffered partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	_, err := i.writeFormattedLine(i.pending.Bytes())
	i.pending.Reset()
	return err
}
