// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/observability"
)

type ctxKey int

const configKey ctxKey = iota

// rootOptions holds the flags that do not map straight onto a viper key.
type rootOptions struct {
	cfgFile      string
	envFile      string
	headless     bool
	cdpEndpoint  string
	userDataDir  string
	viewportSize string
	caps         string
	port         int
	apiKey       string
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	return newRootCmd()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	v := viper.New()
	config.SetDefaults(v)

	rootCmd := &cobra.Command{
		Use:          "viewpoint-mcp",
		Short:        "Browser automation for LLM agents over the Model Context Protocol.",
		Long:         "viewpoint-mcp drives a Chromium browser through accessibility snapshots and element refs.\nWith no subcommand it runs serve.",
		Version:      Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v, opts)
			if err != nil {
				return err
			}
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version))
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: runServe,
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.BoolVar(&opts.headless, "headless", false, "run the browser without a window")
	pf.StringVar(&opts.cdpEndpoint, "cdp-endpoint", "", "attach to a running browser (ws://, wss://, http:// or https://)")
	pf.StringVar(&opts.userDataDir, "user-data-dir", "", "persistent browser profile directory")
	pf.StringVar(&opts.viewportSize, "viewport-size", "", "viewport as WxH, e.g. 1280x720")
	pf.StringVar(&opts.caps, "caps", "", "extra tool capabilities, comma separated (vision,pdf)")
	pf.IntVar(&opts.port, "port", 0, "serve over HTTP on this port instead of stdio")
	pf.StringVar(&opts.apiKey, "api-key", "", "bearer token for the HTTP transport (generated when empty)")
	pf.String("host", "", "address the HTTP transport binds to")
	pf.String("screenshot-dir", "", "directory screenshots are written to")
	pf.String("image-responses", "", "screenshot delivery: file, inline or omit")

	bindFlag(v, pf, "server.host", "host")
	bindFlag(v, pf, "screenshot.dir", "screenshot-dir")
	bindFlag(v, pf, "screenshot.image_responses", "image-responses")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
	}
}

// Execute runs the command tree with ctx, normally a signal-aware context.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	rootCmd := newRootCmd()
	rootCmd.SilenceErrors = true
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// loadConfig reads .env, the config file and the environment, then applies
// flag overrides through the config setters.
func loadConfig(cmd *cobra.Command, v *viper.Viper, opts *rootOptions) (*config.Config, error) {
	if err := initializeConfig(v, opts.cfgFile, opts.envFile); err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load or validate config: %w", err)
	}
	if err := applyFlagOverrides(cmd.Flags(), cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func initializeConfig(v *viper.Viper, cfgFile, envFile string) error {
	// .env goes first so its VIEWPOINT_ variables are visible below. Variables
	// already set in the process environment win.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VIEWPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only the implicit ./config.yaml is optional.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg config.Interface, opts *rootOptions) error {
	if flags.Changed("headless") {
		cfg.SetBrowserHeadless(opts.headless)
	}
	if flags.Changed("cdp-endpoint") {
		cfg.SetBrowserCDPEndpoint(opts.cdpEndpoint)
	}
	if flags.Changed("user-data-dir") {
		cfg.SetBrowserUserDataDir(opts.userDataDir)
	}
	if flags.Changed("viewport-size") {
		vp, err := config.ParseViewport(opts.viewportSize)
		if err != nil {
			return fmt.Errorf("invalid --viewport-size: %w", err)
		}
		cfg.SetBrowserViewport(vp)
	}
	if flags.Changed("caps") {
		cfg.SetBrowserCapabilities(config.ParseCapabilities(opts.caps))
	}
	if flags.Changed("port") {
		cfg.SetServerPort(opts.port)
	}
	if flags.Changed("api-key") {
		cfg.SetServerAPIKey(opts.apiKey)
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
