// internal/mcp/stdio.go
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// maxMessageSize bounds a single newline-delimited message.
const maxMessageSize = 16 << 20

// ServeStdio reads newline-delimited JSON-RPC messages from in and writes
// one response line per request to out. It returns nil at EOF and the
// context error when ctx is canceled first.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			msg := append([]byte(nil), line...)
			select {
			case lines <- msg:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	s.logger.Info("Serving MCP over stdio.")
	w := bufio.NewWriter(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("failed to read from stdin: %w", err)
					}
				default:
				}
				s.logger.Info("Stdin closed; stopping stdio transport.")
				return nil
			}
			resp := s.HandleMessage(ctx, msg)
			if resp == nil {
				continue
			}
			if _, err := w.Write(append(resp, '\n')); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush response: %w", err)
			}
		}
	}
}

// logWriteError is shared by transports that cannot return write errors.
func (s *Server) logWriteError(transport string, err error) {
	s.logger.Warn("Failed to deliver response.", zap.String("transport", transport), zap.Error(err))
}
