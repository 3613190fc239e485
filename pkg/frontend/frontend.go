// Package frontend implements the client facing proxy server: it gates
// OpenTSDB query requests through the protector and forwards everything
// else to the backend TSDB.
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promconfig "github.com/prometheus/common/config"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/adobe/opentsdb-protector/pkg/base"
	"github.com/adobe/opentsdb-protector/pkg/protector"
	"github.com/adobe/opentsdb-protector/pkg/telemetry"
)

// Config makes a frontend server config from CLI args and file config.
type Config struct {
	Logger           *slog.Logger
	Address          string
	WebSystemdSocket bool
	WebConfigFile    string
	Backend          *url.URL
	Timeout          time.Duration
	HTTPClientConfig promconfig.HTTPClientConfig
	Protector        *protector.Protector
	Metrics          *telemetry.Metrics
	Registry         *prometheus.Registry
}

// Frontend is the proxy HTTP server.
type Frontend struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	backend   *url.URL
	timeout   time.Duration
	client    *http.Client
	protector *protector.Protector
	metrics   *telemetry.Metrics
}

// New returns a new instance of the proxy frontend.
func New(c *Config) (*Frontend, error) {
	// Backend client with pooled transport. One attempt per request, the
	// whole exchange bounded by the configured timeout.
	client, err := promconfig.NewClientFromConfig(c.HTTPClientConfig, "tsdb_backend")
	if err != nil {
		return nil, err
	}

	client.Timeout = c.Timeout

	f := &Frontend{
		logger:    c.Logger,
		backend:   c.Backend,
		timeout:   c.Timeout,
		client:    client,
		protector: c.Protector,
		metrics:   c.Metrics,
	}

	router := mux.NewRouter()
	router.Handle(
		"/metrics",
		promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}),
	).Methods(http.MethodGet)
	router.HandleFunc("/top/{kind:duration|dps}", f.top).Methods(http.MethodGet)
	router.HandleFunc("/api/put", f.put).Methods(http.MethodPost)
	router.HandleFunc("/api/query", f.query).Methods(http.MethodPost)
	router.PathPrefix("/").HandlerFunc(f.proxy)

	f.server = &http.Server{
		Addr:              c.Address,
		Handler:           f.logRequests(router),
		ReadHeaderTimeout: 2 * time.Second, // slowloris attack: https://app.deepsource.com/directory/analyzers/go/issues/GO-S2112
	}

	f.webConfig = &web.FlagConfig{
		WebListenAddresses: &[]string{c.Address},
		WebSystemdSocket:   &c.WebSystemdSocket,
		WebConfigFile:      &c.WebConfigFile,
	}

	return f, nil
}

// Handler returns the request handler of the server. Used by tests.
func (f *Frontend) Handler() http.Handler {
	return f.server.Handler
}

// Start server.
func (f *Frontend) Start() error {
	f.logger.Info("Starting " + base.ProtectorAppName)

	if err := web.ListenAndServe(f.server, f.webConfig, f.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		f.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown server.
func (f *Frontend) Shutdown(ctx context.Context) error {
	if err := f.server.Shutdown(ctx); err != nil {
		f.logger.Error("Failed to shutdown HTTP server", "err", err)

		return err
	}

	return nil
}

// logRequests logs every request with the forwarding headers observed on
// the inbound side.
func (f *Frontend) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.logger.Debug(
			"Request",
			"method", r.Method, "path", r.URL.Path, "address", r.RemoteAddr,
			"x_forwarded_for", r.Header.Get("X-Forwarded-For"),
			"x_grafana_org_id", r.Header.Get("X-Grafana-Org-Id"),
			"user_agent", r.Header.Get("User-Agent"),
		)

		next.ServeHTTP(w, r)
	})
}
