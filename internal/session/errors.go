// internal/session/errors.go
package session

import (
	"errors"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

var (
	// ErrLaunchFailed wraps failures to start a local browser.
	ErrLaunchFailed = errors.New("failed to launch browser")
	// ErrConnectFailed wraps failures to attach to a remote browser.
	ErrConnectFailed = errors.New("failed to connect to browser")
	// ErrConnectionLost is the driver's connection loss sentinel.
	ErrConnectionLost = browser.ErrConnectionLost

	ErrContextNotFound        = errors.New("context not found")
	ErrContextExists          = errors.New("context already exists")
	ErrCannotCloseLastContext = errors.New("cannot close the last remaining context; at least one context must stay open")
	ErrNoActivePage           = errors.New("no active page")
	ErrPageIndexOutOfRange    = errors.New("page index out of range")
	ErrShuttingDown           = errors.New("session manager is shutting down")
)
