// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Snapshot() SnapshotConfig
	Server() ServerConfig
	Screenshot() ScreenshotConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserCDPEndpoint(string)
	SetBrowserUserDataDir(string)
	SetBrowserViewport(ViewportConfig)
	SetBrowserCapabilities([]string)

	// Server Setters
	SetServerPort(int)
	SetServerAPIKey(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	NetworkCfg    NetworkConfig    `mapstructure:"network" yaml:"network"`
	SnapshotCfg   SnapshotConfig   `mapstructure:"snapshot" yaml:"snapshot"`
	ServerCfg     ServerConfig     `mapstructure:"server" yaml:"server"`
	ScreenshotCfg ScreenshotConfig `mapstructure:"screenshot" yaml:"screenshot"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig       { return c.NetworkCfg }
func (c *Config) Snapshot() SnapshotConfig     { return c.SnapshotCfg }
func (c *Config) Server() ServerConfig         { return c.ServerCfg }
func (c *Config) Screenshot() ScreenshotConfig { return c.ScreenshotCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)             { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserCDPEndpoint(s string)        { c.BrowserCfg.CDPEndpoint = s }
func (c *Config) SetBrowserUserDataDir(s string)        { c.BrowserCfg.UserDataDir = s }
func (c *Config) SetBrowserViewport(vp ViewportConfig)  { c.BrowserCfg.Viewport = vp }
func (c *Config) SetBrowserCapabilities(caps []string)  { c.BrowserCfg.Capabilities = caps }
func (c *Config) SetServerPort(p int)                   { c.ServerCfg.Port = p }
func (c *Config) SetServerAPIKey(k string)              { c.ServerCfg.APIKey = k }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the browser is launched or connected to.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	CDPEndpoint     string         `mapstructure:"cdp_endpoint" yaml:"cdp_endpoint"`
	UserDataDir     string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	Capabilities    []string       `mapstructure:"capabilities" yaml:"capabilities"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// ViewportConfig is the initial page size in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// NetworkConfig holds timeouts for page activity and the default proxy.
type NetworkConfig struct {
	// NavigationTimeout bounds the wait for a navigation an action may have triggered.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// SettleTimeout bounds the wait for network quiescence after non-navigating actions.
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Proxy         ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

// ProxyConfig describes an upstream proxy for a browser context.
type ProxyConfig struct {
	Server   string `mapstructure:"server" yaml:"server" json:"server"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"password,omitempty"`
	Bypass   string `mapstructure:"bypass" yaml:"bypass,omitempty" json:"bypass,omitempty"`
}

// Enabled reports whether a proxy server is configured.
func (p ProxyConfig) Enabled() bool { return p.Server != "" }

// HasAuth reports whether the proxy requires credentials.
func (p ProxyConfig) HasAuth() bool { return p.Username != "" }

// SnapshotConfig tunes the accessibility snapshot engine.
type SnapshotConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RefThreshold      int           `mapstructure:"ref_threshold" yaml:"ref_threshold"`
	MaxTextLength     int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	ConsoleBufferSize int           `mapstructure:"console_buffer_size" yaml:"console_buffer_size"`
}

// ServerConfig configures the protocol server and its transports.
// A zero Port selects the stdio transport.
type ServerConfig struct {
	Name            string        `mapstructure:"name" yaml:"name"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ListenAddr returns host:port for the HTTP transport.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ScreenshotConfig controls where screenshots go and how they are returned.
type ScreenshotConfig struct {
	Dir            string `mapstructure:"dir" yaml:"dir"`
	ImageResponses string `mapstructure:"image_responses" yaml:"image_responses"`
}

// Image response modes.
const (
	ImageResponseFile   = "file"
	ImageResponseInline = "inline"
	ImageResponseOmit   = "omit"
)

// Known optional capabilities.
const (
	CapabilityVision = "vision"
	CapabilityPDF    = "pdf"
)

// maxViewportDimension mirrors the largest surface Chromium will emulate.
const maxViewportDimension = 16384

// maxConsoleBufferSize caps the per-page console ring buffer.
const maxConsoleBufferSize = 1000

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "viewpoint-mcp")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.cdp_endpoint", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.capabilities", []string{})
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "10s")
	v.SetDefault("network.settle_timeout", "5s")
	v.SetDefault("network.action_timeout", "30s")
	v.SetDefault("network.proxy.server", "")

	// -- Snapshot --
	v.SetDefault("snapshot.cache_ttl", "5s")
	v.SetDefault("snapshot.ref_threshold", 100)
	v.SetDefault("snapshot.max_text_length", 100)
	v.SetDefault("snapshot.console_buffer_size", 1000)

	// -- Server --
	v.SetDefault("server.name", "viewpoint-mcp")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.max_connections", 64)
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Screenshot --
	v.SetDefault("screenshot.dir", ".viewpoint-mcp-screenshots")
	v.SetDefault("screenshot.image_responses", ImageResponseFile)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("server.api_key", "VIEWPOINT_API_KEY")
	_ = v.BindEnv("network.proxy.password", "VIEWPOINT_PROXY_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Capabilities may arrive as a single comma separated flag value.
	cfg.BrowserCfg.Capabilities = ParseCapabilities(strings.Join(cfg.BrowserCfg.Capabilities, ","))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if c.NetworkCfg.NavigationTimeout <= 0 || c.NetworkCfg.SettleTimeout <= 0 || c.NetworkCfg.ActionTimeout <= 0 {
		return fmt.Errorf("network timeouts must be positive durations")
	}
	if c.SnapshotCfg.CacheTTL <= 0 {
		return fmt.Errorf("snapshot.cache_ttl must be a positive duration")
	}
	if c.SnapshotCfg.RefThreshold <= 0 {
		return fmt.Errorf("snapshot.ref_threshold must be a positive integer")
	}
	if c.SnapshotCfg.MaxTextLength <= 0 {
		return fmt.Errorf("snapshot.max_text_length must be a positive integer")
	}
	if c.SnapshotCfg.ConsoleBufferSize <= 0 || c.SnapshotCfg.ConsoleBufferSize > maxConsoleBufferSize {
		return fmt.Errorf("snapshot.console_buffer_size must be between 1 and %d", maxConsoleBufferSize)
	}
	if c.ServerCfg.Port < 0 || c.ServerCfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	switch c.ScreenshotCfg.ImageResponses {
	case ImageResponseFile, ImageResponseInline, ImageResponseOmit:
	default:
		return fmt.Errorf("screenshot.image_responses must be one of file, inline, omit (got %q)", c.ScreenshotCfg.ImageResponses)
	}
	return nil
}

// Validate checks the browser section.
func (b *BrowserConfig) Validate() error {
	if b.CDPEndpoint != "" {
		u, err := url.Parse(b.CDPEndpoint)
		if err != nil {
			return fmt.Errorf("cdp_endpoint is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("cdp_endpoint must use ws, wss, http or https (got %q)", u.Scheme)
		}
	}
	if b.Viewport.Width < 1 || b.Viewport.Width > maxViewportDimension ||
		b.Viewport.Height < 1 || b.Viewport.Height > maxViewportDimension {
		return fmt.Errorf("viewport must be between 1 and %d pixels in each dimension", maxViewportDimension)
	}
	for _, c := range b.Capabilities {
		if c != CapabilityVision && c != CapabilityPDF {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	if b.LaunchTimeout <= 0 {
		return fmt.Errorf("launch_timeout must be a positive duration")
	}
	return nil
}

// ParseViewport parses a "WxH" string such as "1280x720".
func ParseViewport(s string) (ViewportConfig, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return ViewportConfig{}, fmt.Errorf("invalid viewport %q: expected WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return ViewportConfig{}, fmt.Errorf("invalid viewport width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return ViewportConfig{}, fmt.Errorf("invalid viewport height %q: %w", h, err)
	}
	if width < 1 || height < 1 || width > maxViewportDimension || height > maxViewportDimension {
		return ViewportConfig{}, fmt.Errorf("invalid viewport %q: dimensions must be between 1 and %d", s, maxViewportDimension)
	}
	return ViewportConfig{Width: width, Height: height}, nil
}

// ParseCapabilities splits a comma separated capability list, lowercasing and
// dropping blanks and duplicates.
func ParseCapabilities(s string) []string {
	seen := make(map[string]bool)
	caps := []string{}
	for _, part := range strings.Split(s, ",") {
		c := strings.ToLower(strings.TrimSpace(part))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps
}
