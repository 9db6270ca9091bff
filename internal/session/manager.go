// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

// DefaultContext is the context created at startup and restored whenever
// the active context goes away.
const DefaultContext = "default"

// State is the lifecycle of the browser connection.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// connectionLossSignatures are substrings of errors that mean the browser
// connection is gone. Matching is case-insensitive. The cdp driver reports a
// dead browser as browser.ErrConnectionLost, so these only cover messages
// from outside it.
var connectionLossSignatures = []string{
	"websocket connection lost",
	"connectionlost",
}

// ContextOptions configures a context created through the manager.
type ContextOptions struct {
	Proxy *config.ProxyConfig
	// StorageStatePath restores cookies and localStorage from an exported file.
	StorageStatePath string
}

// Manager owns the browser connection and every named context.
type Manager struct {
	driver browser.Driver
	cfg    config.Interface
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	state    State
	browser  browser.Browser
	contexts map[string]*ContextState
	order    []string
	active   string
	closing  bool
}

// NewManager creates a manager. The browser is started lazily by Initialize.
func NewManager(driver browser.Driver, cfg config.Interface, logger *zap.Logger) *Manager {
	m := &Manager{
		driver:   driver,
		cfg:      cfg,
		logger:   logger.Named("session_manager"),
		now:      time.Now,
		contexts: make(map[string]*ContextState),
	}
	m.logger.Debug("Session manager created (initialization deferred).")
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Initialize launches or connects to the browser and provisions the default
// context. It is idempotent, and concurrent callers share one attempt.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	state, closing := m.state, m.closing
	m.mu.RUnlock()
	if closing {
		return ErrShuttingDown
	}
	if state == Ready {
		return nil
	}

	_, err, _ := m.group.Do("initialize", func() (interface{}, error) {
		return nil, m.initialize(ctx)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Ready {
		m.mu.Unlock()
		return nil
	}
	m.state = Initializing
	m.mu.Unlock()

	b, err := m.openBrowser(ctx)
	if err != nil {
		m.setState(Uninitialized)
		return err
	}

	m.mu.Lock()
	m.browser = b
	m.mu.Unlock()

	defaultProxy := m.cfg.Network().Proxy
	var proxy *config.ProxyConfig
	if defaultProxy.Enabled() {
		proxy = &defaultProxy
	}
	if _, err := m.createContext(ctx, DefaultContext, ContextOptions{Proxy: proxy}); err != nil {
		m.logger.Error("Failed to provision default context.", zap.Error(err))
		m.dropBrowser(ctx, b)
		return err
	}

	m.mu.Lock()
	m.state = Ready
	m.active = DefaultContext
	m.mu.Unlock()
	m.logger.Info("Browser session ready.", zap.Bool("owned", b.Owned()))
	return nil
}

func (m *Manager) openBrowser(ctx context.Context) (browser.Browser, error) {
	bcfg := m.cfg.Browser()
	if bcfg.CDPEndpoint != "" {
		m.logger.Info("Connecting to existing browser.", zap.String("endpoint", bcfg.CDPEndpoint))
		b, err := m.driver.Connect(ctx, bcfg.CDPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, bcfg.CDPEndpoint, err)
		}
		return b, nil
	}

	userDataDir := bcfg.UserDataDir
	if userDataDir != "" {
		expanded, err := homedir.Expand(userDataDir)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid user data dir %q: %w", ErrLaunchFailed, userDataDir, err)
		}
		userDataDir = expanded
	}

	m.logger.Info("Launching browser.", zap.Bool("headless", bcfg.Headless))
	b, err := m.driver.Launch(ctx, browser.LaunchOptions{
		Headless:        bcfg.Headless,
		ExecPath:        bcfg.ExecPath,
		UserDataDir:     userDataDir,
		Args:            bcfg.Args,
		IgnoreTLSErrors: bcfg.IgnoreTLSErrors,
		Viewport:        browser.Viewport{Width: bcfg.Viewport.Width, Height: bcfg.Viewport.Height},
		Timeout:         bcfg.LaunchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	return b, nil
}

// dropBrowser tears down a half-initialized browser after a failure.
func (m *Manager) dropBrowser(ctx context.Context, b browser.Browser) {
	m.mu.Lock()
	for name, cs := range m.contexts {
		_ = cs.close(ctx)
		delete(m.contexts, name)
	}
	m.order = nil
	m.active = ""
	m.browser = nil
	m.state = Uninitialized
	m.mu.Unlock()
	if b.Owned() {
		if err := b.Close(ctx); err != nil {
			m.logger.Warn("Failed to close browser after failed initialization.", zap.Error(err))
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// createContext builds a driver context and registers it. The caller
// decides whether it becomes active.
func (m *Manager) createContext(ctx context.Context, name string, opts ContextOptions) (*ContextState, error) {
	m.mu.RLock()
	b := m.browser
	_, exists := m.contexts[name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: '%s'", ErrContextExists, name)
	}
	if b == nil {
		return nil, fmt.Errorf("cannot create context '%s': %w", name, ErrConnectionLost)
	}

	bopts := browser.ContextOptions{Viewport: m.viewport()}
	if opts.Proxy != nil && opts.Proxy.Enabled() {
		bopts.Proxy = &browser.Proxy{
			Server:   opts.Proxy.Server,
			Username: opts.Proxy.Username,
			Password: opts.Proxy.Password,
			Bypass:   opts.Proxy.Bypass,
		}
	}
	bopts.Persistent = name == DefaultContext && bopts.Proxy == nil
	if opts.StorageStatePath != "" {
		st, err := LoadStorageState(opts.StorageStatePath)
		if err != nil {
			return nil, err
		}
		bopts.StorageState = st
	}

	handle, err := b.NewContext(ctx, bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context '%s': %w", name, err)
	}

	snapCfg := m.cfg.Snapshot()
	cs := newContextState(name, handle, opts.Proxy, contextSettings{
		cacheTTL:   snapCfg.CacheTTL,
		bufferSize: snapCfg.ConsoleBufferSize,
		now:        m.now,
	}, m.logger)

	if _, err := cs.EnsurePage(ctx); err != nil {
		_ = cs.close(ctx)
		return nil, err
	}

	m.mu.Lock()
	if _, raced := m.contexts[name]; raced {
		m.mu.Unlock()
		_ = cs.close(ctx)
		return nil, fmt.Errorf("%w: '%s'", ErrContextExists, name)
	}
	m.contexts[name] = cs
	m.order = append(m.order, name)
	m.mu.Unlock()

	m.logger.Info("Browser context created.", zap.String("context", name), zap.Bool("proxy", bopts.Proxy != nil))
	return cs, nil
}

func (m *Manager) viewport() browser.Viewport {
	vp := m.cfg.Browser().Viewport
	return browser.Viewport{Width: vp.Width, Height: vp.Height}
}

// CreateContext creates a new named context and makes it active.
func (m *Manager) CreateContext(ctx context.Context, name string, opts ContextOptions) (*ContextState, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("context name must not be empty")
	}
	cs, err := m.createContext(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	return cs, nil
}

// GetOrCreateContext returns the named context, creating and activating it
// when missing. The boolean reports whether it was created.
func (m *Manager) GetOrCreateContext(ctx context.Context, name string, opts ContextOptions) (*ContextState, bool, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, false, err
	}
	if cs, err := m.Context(name); err == nil {
		return cs, false, nil
	}
	cs, err := m.CreateContext(ctx, name, opts)
	if errors.Is(err, ErrContextExists) {
		cs, err = m.Context(name)
		return cs, false, err
	}
	return cs, err == nil, err
}

// Context returns a context by name.
func (m *Manager) Context(name string) (*ContextState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrContextNotFound, name)
	}
	return cs, nil
}

// ActiveContext returns the active context.
func (m *Manager) ActiveContext() (*ContextState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Ready {
		return nil, fmt.Errorf("browser is %s: %w", m.state, ErrConnectionLost)
	}
	cs, ok := m.contexts[m.active]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrContextNotFound, m.active)
	}
	return cs, nil
}

// ActiveContextName returns the active context's name.
func (m *Manager) ActiveContextName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Contexts returns all contexts in creation order.
func (m *Manager) Contexts() []*ContextState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ContextState, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.contexts[name])
	}
	return out
}

// IsMultiContext reports whether refs need a context prefix.
func (m *Manager) IsMultiContext() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts) > 1
}

// SwitchContext makes name active and returns the previously active name.
func (m *Manager) SwitchContext(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[name]; !ok {
		return "", fmt.Errorf("%w: '%s'", ErrContextNotFound, name)
	}
	prev := m.active
	m.active = name
	m.logger.Debug("Switched active context.", zap.String("from", prev), zap.String("to", name))
	return prev, nil
}

// CloseContext closes a context. Closing the active context falls back to
// the default context, recreating it if needed. The last context cannot be
// closed. It returns the name of the context active afterwards.
func (m *Manager) CloseContext(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	cs, ok := m.contexts[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", ErrContextNotFound, name)
	}
	if len(m.contexts) == 1 {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: '%s' is the only context", ErrCannotCloseLastContext, name)
	}
	delete(m.contexts, name)
	m.order = remove(m.order, name)
	wasActive := m.active == name
	if wasActive {
		m.active = DefaultContext
	}
	_, haveDefault := m.contexts[DefaultContext]
	m.mu.Unlock()

	if err := cs.close(ctx); err != nil {
		m.logger.Warn("Error while closing context.", zap.String("context", name), zap.Error(err))
	}
	m.logger.Info("Browser context closed.", zap.String("context", name))

	if wasActive && !haveDefault {
		if _, err := m.createContext(ctx, DefaultContext, ContextOptions{}); err != nil {
			m.mu.Lock()
			if _, ok := m.contexts[m.active]; !ok && len(m.order) > 0 {
				m.active = m.order[0]
			}
			m.mu.Unlock()
			return "", fmt.Errorf("closed '%s' but failed to recreate default context: %w", name, err)
		}
	}
	return m.ActiveContextName(), nil
}

// DetectAndRecover reports whether err means the browser connection is
// gone. If so every context is dropped and the next Initialize starts over.
// The dead browser is not closed; there is nothing left to talk to.
func (m *Manager) DetectAndRecover(err error) bool {
	if !IsConnectionLoss(err) {
		return false
	}

	m.mu.Lock()
	dropped := len(m.contexts)
	for _, cs := range m.contexts {
		cs.forget()
	}
	m.contexts = make(map[string]*ContextState)
	m.order = nil
	m.active = ""
	m.browser = nil
	m.state = Uninitialized
	m.mu.Unlock()

	m.logger.Warn("Browser connection lost; session reset.", zap.Error(err), zap.Int("contexts_dropped", dropped))
	return true
}

// IsConnectionLoss reports whether err carries a connection loss signal.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, browser.ErrConnectionLost) {
		return true
	}
	if errors.Is(err, browser.ErrScriptException) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range connectionLossSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Shutdown closes every context and, if the browser was launched by us,
// the browser itself. It stops at ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	contexts := make([]*ContextState, 0, len(m.contexts))
	for _, name := range m.order {
		contexts = append(contexts, m.contexts[name])
	}
	b := m.browser
	m.contexts = make(map[string]*ContextState)
	m.order = nil
	m.active = ""
	m.browser = nil
	m.state = Uninitialized
	m.mu.Unlock()

	m.logger.Info("Shutting down session manager.", zap.Int("contexts", len(contexts)))

	done := make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, cs := range contexts {
			g.Go(func() error { return cs.close(gctx) })
		}
		err := g.Wait()
		if b != nil && b.Owned() {
			if cerr := b.Close(ctx); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close browser: %w", cerr))
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("Shutdown finished with errors.", zap.Error(err))
		}
		return err
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded; abandoning remaining cleanup.")
		return ctx.Err()
	}
}

// LoadStorageState reads a storage state file written by SaveStorageState.
func LoadStorageState(path string) (*browser.StorageState, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand storage state path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state file: %w", err)
	}
	var st browser.StorageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse storage state file %s: %w", expanded, err)
	}
	return &st, nil
}

// SaveStorageState writes st as indented JSON and returns the expanded path.
func SaveStorageState(path string, st *browser.StorageState) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand storage state path %q: %w", path, err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode storage state: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write storage state file: %w", err)
	}
	return expanded, nil
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
