package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OpenOutput opens the destination of a container stream: "-" for stdout,
// ws:// or wss:// for a WebSocket receiving one binary message per write,
// anything else for a file (parent directories are created).
func OpenOutput(ctx context.Context, target string) (io.WriteCloser, error) {
	switch {
	case target == "-":
		return &stdoutWriter{w: bufio.NewWriter(os.Stdout)}, nil
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return dialWebSocket(ctx, target)
	default:
		return createFile(target)
	}
}

// IsNetworkTarget reports whether the target is a network stream.
func IsNetworkTarget(target string) bool {
	return strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://")
}

type fileWriter struct {
	*bufio.Writer
	f *os.File
}

func createFile(path string) (*fileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &fileWriter{Writer: bufio.NewWriterSize(f, 256*1024), f: f}, nil
}

func (w *fileWriter) Close() error {
	flushErr := w.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type stdoutWriter struct {
	w *bufio.Writer
}

func (s *stdoutWriter) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close flushes but leaves stdout open.
func (s *stdoutWriter) Close() error { return s.w.Flush() }

type wsWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func dialWebSocket(ctx context.Context, url string) (*wsWriter, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &wsWriter{conn: conn}, nil
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}
