// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/viewpoint-mcp/cmd"
	"github.com/xkilldash9x/viewpoint-mcp/internal/observability"
)

const panicLogFile = "panic.log"

// Swapped out in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		stop()
		osExit(1)
	}
}

// handlePanic writes the panic and stack to panicLogFile and exits non-zero.
// Stdout is never touched; in stdio mode it belongs to the client.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", msg)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "viewpoint-mcp crashed; details written to %s\n", panicLogFile)
	osExit(2)
}
