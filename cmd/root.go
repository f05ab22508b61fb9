package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seclab/seclab/internal/api"
	"github.com/seclab/seclab/internal/capture"
	"github.com/seclab/seclab/internal/config"
	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
	"github.com/seclab/seclab/internal/log"
	"github.com/seclab/seclab/internal/metrics"
	"github.com/seclab/seclab/internal/mitm"
	"github.com/seclab/seclab/internal/plugin"
	"github.com/seclab/seclab/internal/rule"
	"github.com/seclab/seclab/internal/server"
	"github.com/seclab/seclab/internal/server/http"
	"github.com/seclab/seclab/internal/storage"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "seclab",
	Short: "seclab is an interactive intercepting proxy",
	Long:  "seclab captures HTTP and HTTPS traffic through a forward proxy, a TLS-terminating MITM proxy or a DevTools-controlled browser, lets an operator hold, edit or drop each exchange, and records every flow.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("data-dir", "d", "", "Data directory")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	rootCmd.Flags().String("bind", "", "Bind address for the forward and MITM proxies")
	rootCmd.Flags().Int("forward-port", 0, "Forward proxy port")
	rootCmd.Flags().Int("mitm-port", 0, "MITM proxy port")
	rootCmd.Flags().String("mitm-hostnames", "", "Hostnames to intercept, e.g. *.example.com:443,-ads.example.com")
	rootCmd.Flags().Bool("mitm-insecure", false, "Skip upstream certificate verification")
	rootCmd.Flags().Int("api-port", 0, "Control API port")
	rootCmd.Flags().String("api-secret", "", "Bearer secret required by the control API")
	rootCmd.Flags().Bool("pprof", false, "Serve /debug/pprof on the control API")
	rootCmd.Flags().String("devtools-url", "", "DevTools HTTP endpoint of a browser to capture, e.g. http://127.0.0.1:9222")
	rootCmd.Flags().String("database", "", "SQLite database path, or :memory:")
	rootCmd.Flags().StringSlice("plugins", nil, "Enabled plugins")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("env-file", rootCmd.Flags().Lookup("env-file"))
	_ = viper.BindPFlag("data-dir", rootCmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("forward.bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("mitm.bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("forward.port", rootCmd.Flags().Lookup("forward-port"))
	_ = viper.BindPFlag("mitm.port", rootCmd.Flags().Lookup("mitm-port"))
	_ = viper.BindPFlag("mitm.hostnames", rootCmd.Flags().Lookup("mitm-hostnames"))
	_ = viper.BindPFlag("mitm.insecure-skip-verify", rootCmd.Flags().Lookup("mitm-insecure"))
	_ = viper.BindPFlag("api.port", rootCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("api.secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("api.pprof", rootCmd.Flags().Lookup("pprof"))
	_ = viper.BindPFlag("browser.devtools-url", rootCmd.Flags().Lookup("devtools-url"))
	_ = viper.BindPFlag("ledger.database", rootCmd.Flags().Lookup("database"))
	_ = viper.BindPFlag("plugins", rootCmd.Flags().Lookup("plugins"))

	// Bind environment variables
	viper.SetEnvPrefix("SECLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// Unprefixed names kept for existing deployments
	_ = viper.BindEnv("forward.port", "SECLAB_FORWARD_PORT", "PROXY_PORT")
	_ = viper.BindEnv("mitm.port", "SECLAB_MITM_PORT", "MITM_PORT")
	_ = viper.BindEnv("api.secret", "SECLAB_API_SECRET", "ADMIN_TOKEN")
	_ = viper.BindEnv("browser.devtools-url", "SECLAB_BROWSER_DEVTOOLS_URL", "CHROME_DEVTOOLS_URL")
	_ = viper.BindEnv("browser.target", "SECLAB_BROWSER_TARGET")
	_ = viper.BindEnv("ledger.database", "SECLAB_LEDGER_DATABASE")
	_ = viper.BindEnv("mitm.ca-dir", "SECLAB_MITM_CA_DIR")
	_ = viper.BindEnv("mitm.ca-p12", "SECLAB_MITM_CA_P12")
	_ = viper.BindEnv("mitm.ca-passphrase", "SECLAB_MITM_CA_PASSPHRASE")
	_ = viper.BindEnv("log-file", "SECLAB_LOG_FILE")
}

func initConfig() {
	if envFile := viper.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Error("Failed to read env file", slog.String("file", envFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	viper.SetDefault("log-level", "info")
	viper.SetDefault("data-dir", "data")
	viper.SetDefault("forward.enabled", true)
	viper.SetDefault("forward.bind-address", "127.0.0.1")
	viper.SetDefault("forward.port", 8080)
	viper.SetDefault("mitm.enabled", true)
	viper.SetDefault("mitm.bind-address", "127.0.0.1")
	viper.SetDefault("mitm.port", 8081)
	viper.SetDefault("mitm.cert-cache-size", mitm.DefaultCertCacheSize)
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.bind-address", "127.0.0.1")
	viper.SetDefault("api.port", 3001)
	viper.SetDefault("ledger.preview-limit", ledger.DefaultPreviewLimit)
	viper.SetDefault("upstream.timeout", "30s")
	viper.SetDefault("plugins", []string{plugin.PassiveHeadersID, plugin.NotFoundID})
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Handle -v / --version
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("seclab version %s\n", AppVersion)
		return nil
	}

	// Handle -g / --generate-config
	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = log.GetLogFilePath(cfg.DataDir)
	}
	logs := log.NewBroadcaster()
	log.SetLogConf(cfg.LogLevel, logFile, logs)
	log.LogHeader(AppVersion, cfg)

	if err := start(cfg, logs); err != nil {
		shutdown()
		return err
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
		default:
			return nil
		}
	}
}

// start builds the shared components and brings up every enabled listener.
// Everything started is registered on the shutdown chain, including on error.
func start(cfg *config.Config, logs *log.Broadcaster) error {
	ctx := context.Background()

	db, err := storage.Open(cfg.Ledger.Database, cfg.LogLevel == "debug")
	if err != nil {
		slog.Error("storage.Open", slog.Any("error", err))
		return err
	}
	addShutdown("db.Close", db.Close)

	rules, err := rule.NewSet(ctx, db)
	if err != nil {
		slog.Error("rule.NewSet", slog.Any("error", err))
		return err
	}
	coord := intercept.New(ctx, db)
	flows := ledger.New(db, cfg.Ledger.PreviewLimit)
	m := metrics.New(coord.Len)

	plugins, err := plugin.NewRunnerFromIDs(flows, m, cfg.Plugins)
	if err != nil {
		slog.Error("plugin.NewRunnerFromIDs", slog.Any("error", err))
		return err
	}

	var (
		mm *mitm.MiddleMan
		ca *mitm.CA
	)
	if cfg.MITM.Enabled {
		mm, ca, err = server.NewMiddleMan(&cfg.MITM, m)
		if err != nil {
			slog.Error("server.NewMiddleMan", slog.Any("error", err))
		}
	}

	deps := http.Deps{
		Coordinator: coord,
		Rules:       rules,
		Ledger:      flows,
		Plugins:     plugins,
		Metrics:     m,
	}
	for _, srv := range server.NewServers(cfg, deps, mm) {
		addShutdown("srv.Close", srv.Close)
		if err := srv.Start(); err != nil {
			slog.Error("srv.Start", slog.String("addr", srv.Addr()), slog.Any("error", err))
			return err
		}
	}

	if cfg.API.Enabled {
		a := api.New(api.Options{
			Addr:        cfg.API.Addr(),
			Version:     AppVersion,
			Config:      cfg,
			Secret:      cfg.API.Secret,
			Pprof:       cfg.API.Pprof,
			Coordinator: coord,
			Rules:       rules,
			Ledger:      flows,
			CA:          ca,
			Metrics:     m,
			Logs:        logs,
			Proxy:       http.NewReverseProxy(cfg.Upstream.Timeout, deps),
		})
		addShutdown("api.Close", a.Close)
		if err := a.Start(); err != nil {
			slog.Error("api.Start", slog.Any("error", err))
			return err
		}
	}

	if cfg.Browser.DevToolsURL != "" {
		c := capture.New(capture.Options{
			DevToolsURL: cfg.Browser.DevToolsURL,
			Target:      cfg.Browser.Target,
			Coordinator: coord,
			Ledger:      flows,
			Plugins:     plugins,
			Metrics:     m,
		})
		attachCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.Start(attachCtx)
		cancel()
		if err != nil {
			// The browser may come up later; the proxies keep running without it.
			slog.Error("capture.Start", slog.String("devtools", cfg.Browser.DevToolsURL), slog.Any("error", err))
		} else {
			addShutdown("capture.Close", c.Close)
		}
	}
	return nil
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("seclab exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
