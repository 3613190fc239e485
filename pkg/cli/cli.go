// Package cli implements the CLI app of the protector proxy.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"github.com/adobe/opentsdb-protector/internal/common"
	internal_runtime "github.com/adobe/opentsdb-protector/internal/runtime"
	"github.com/adobe/opentsdb-protector/pkg/base"
	"github.com/adobe/opentsdb-protector/pkg/frontend"
	"github.com/adobe/opentsdb-protector/pkg/guard"
	"github.com/adobe/opentsdb-protector/pkg/protector"
	"github.com/adobe/opentsdb-protector/pkg/rules"
	"github.com/adobe/opentsdb-protector/pkg/store"
	"github.com/adobe/opentsdb-protector/pkg/telemetry"
)

// Timeout used for the backend exchange when the config does not set one.
const defaultTimeout = 30 * time.Second

// Grace period for draining in-flight requests on shutdown.
const shutdownTimeout = 5 * time.Second

// ProtectorProxy represents the protector proxy CLI app.
type ProtectorProxy struct {
	appName string
	App     kingpin.Application
}

// NewProtectorProxy creates a new ProtectorProxy instance.
func NewProtectorProxy() (*ProtectorProxy, error) {
	return &ProtectorProxy{
		appName: base.ProtectorAppName,
		App:     base.ProtectorApp,
	}, nil
}

// Main is the entry point of the protector proxy.
func (p *ProtectorProxy) Main() error {
	var (
		webListenAddresses = p.App.Flag(
			"web.listen-address",
			"Addresses on which to expose proxy and web interface.",
		).Default(":8888").Strings()
		webConfigFile = p.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("PROTECTOR_WEB_CONFIG_FILE").Default("").String()
		configFile = p.App.Flag(
			"config.file",
			"Configuration file path of protector proxy.",
		).Envar("PROTECTOR_CONFIG_FILE").Default("").String()
		listRules = p.App.Flag(
			"rules.list",
			"List available query rules and exit.",
		).Default("false").Bool()
		maxProcs = p.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }() //nolint:nlreturn
	if runtime.GOOS == "linux" {
		systemdSocket = p.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Hidden().Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&p.App, promslogConfig)

	p.App.Version(version.Print(p.appName))
	p.App.UsageWriter(os.Stdout)
	p.App.HelpFlag.Short('h')

	_, err := p.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	if *listRules {
		descriptions := rules.Descriptions()
		for _, name := range rules.CanonicalOrder {
			fmt.Printf("%s: %s\n", name, descriptions[name])
		}

		return nil
	}

	// Get absolute path for config files
	configFilePath, err := filepath.Abs(*configFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of the config file: %w", err)
	}

	// An empty web config file path keeps TLS and auth disabled
	var webConfigFilePath string

	if *webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(*webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	// Make config from file
	config, err := common.MakeConfig[ProtectorAppConfig](configFilePath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set directory for reading files
	config.SetDirectory(filepath.Dir(configFilePath))

	// Setup logger
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+p.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits(),
	)

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	backend, err := url.Parse(config.Protector.Backend.URL)
	if err != nil {
		return fmt.Errorf("failed to parse backend TSDB URL: %w", err)
	}

	timeout := time.Duration(config.Protector.Timeout)
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Registry for proxy telemetry
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	statsStore := store.NewRedis(&config.DB.Redis, logger.With("subsystem", "store"))
	defer statsStore.Close()

	queryGuard := guard.New(config.Protector.Rules, logger.With("subsystem", "guard"))

	queryProtector, err := protector.New(&protector.Config{
		Logger:      logger.With("subsystem", "protector"),
		Guard:       queryGuard,
		Store:       statsStore,
		Metrics:     metrics,
		SafeMode:    config.Protector.SafeMode,
		Blockedlist: config.Protector.Blockedlist,
		Allowedlist: config.Protector.Allowedlist,
		Expire:      time.Duration(config.DB.Expire) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create protector: %w", err)
	}

	proxyFrontend, err := frontend.New(&frontend.Config{
		Logger:           logger,
		Address:          (*webListenAddresses)[0],
		WebSystemdSocket: *systemdSocket,
		WebConfigFile:    webConfigFilePath,
		Backend:          backend,
		Timeout:          timeout,
		HTTPClientConfig: config.Protector.Backend.HTTPClientConfig,
		Protector:        queryProtector,
		Metrics:          metrics,
		Registry:         registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create frontend: %w", err)
	}

	// Declare context that will stop the proxy on receiving a SIGTERM or interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		if err := proxyFrontend.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "err", err)
		}
	}()

	// Listen for the interrupt signal
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has some time to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := proxyFrontend.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	logger.Info("Server exiting")
	logger.Info("See you next time!!")

	return nil
}
