// internal/mcp/stdio_test.go
package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStdio(t *testing.T) {
	t.Run("should answer each request on its own line and stop at EOF", func(t *testing.T) {
		f := newFixture(t)
		in := strings.NewReader(strings.Join([]string{
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			``,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
			`not json`,
		}, "\n"))
		var out bytes.Buffer

		require.NoError(t, f.srv.ServeStdio(context.Background(), in, &out))

		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "1", string(decode(t, []byte(lines[0])).ID))
		assert.Equal(t, "2", string(decode(t, []byte(lines[1])).ID))
		last := decode(t, []byte(lines[2]))
		require.NotNil(t, last.Error)
		assert.Equal(t, CodeParseError, last.Error.Code)
		assert.Equal(t, 1, f.logs.FilterMessage("Stdin closed; stopping stdio transport.").Len())
	})

	t.Run("should stop when the context is canceled", func(t *testing.T) {
		f := newFixture(t)
		pr, pw := io.Pipe()
		defer pw.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.srv.ServeStdio(ctx, pr, io.Discard) }()

		cancel()
		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(2 * time.Second):
			t.Fatal("ServeStdio did not return after cancel")
		}
	})

	t.Run("should surface write failures", func(t *testing.T) {
		f := newFixture(t)
		in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
		err := f.srv.ServeStdio(context.Background(), in, failingWriter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to")
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
