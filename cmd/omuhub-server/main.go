package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	fsversion "github.com/omuhub/broker/internal/version"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/observability/prom"
	"github.com/omuhub/broker/server"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// switchHandler lets the metrics endpoint be enabled/disabled at runtime
// without tearing down the listener it's mounted on.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController toggles the broker's Prometheus surface on SIGUSR1/
// SIGUSR2: it swaps the session observer (the highest-cardinality one) via
// its atomic wrapper and shows/hides the /metrics handler. The five
// extension observers keep recording into the same registry regardless —
// there's no atomic wrapper for those in the observability package, so
// toggling only withholds the public endpoint for them, not the bookkeeping.
type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	session *observability.AtomicSessionObserver
}

func newMetricsController(handler *switchHandler, session *observability.AtomicSessionObserver) *metricsController {
	return &metricsController{handler: handler, session: session}
}

func (c *metricsController) Enable(reg promHandlerFunc, sessionObs observability.SessionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	c.handler.Set(reg())
	c.session.Set(sessionObs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.session.Set(observability.NoopSessionObserver)
	c.enabled = false
}

type promHandlerFunc func() http.Handler

func validateTLSFiles(certFile, keyFile string) error {
	if (certFile == "") != (keyFile == "") {
		return errors.New("tls requires both --tls-cert-file and --tls-key-file")
	}
	return nil
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	WSPath     string `json:"ws_path"`
	WSURL      string `json:"ws_url"`
	HTTPURL    string `json:"http_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := server.DefaultConfig()
	logger := log.New(stderr, "", log.LstdFlags)
	cfg.Logger = logger

	listen := envString("OMUHUB_LISTEN", "127.0.0.1:0")
	dataDir := envString("OMUHUB_DATA_DIR", "./data")
	wsPath := envString("OMUHUB_WS_PATH", cfg.WSPath)
	assetsDir := envString("OMUHUB_ASSETS_DIR", "")
	dashboardToken := envString("OMUHUB_DASHBOARD_TOKEN", "")
	metricsListen := envString("OMUHUB_METRICS_LISTEN", "")
	tlsCertFile := envString("OMUHUB_TLS_CERT_FILE", "")
	tlsKeyFile := envString("OMUHUB_TLS_KEY_FILE", "")

	allowedOrigins := stringSliceFlag(splitCSVEnv("OMUHUB_ALLOW_ORIGIN"))

	allowNoOrigin, err := envBoolWithErr("OMUHUB_ALLOW_NO_ORIGIN", cfg.AllowNoOrigin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid OMUHUB_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	strictOrigin, err := envBoolWithErr("OMUHUB_STRICT_ORIGIN", cfg.StrictOrigin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid OMUHUB_STRICT_ORIGIN: %v\n", err)
		return 2
	}
	handshakeTimeout, err := envDurationWithErr("OMUHUB_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid OMUHUB_HANDSHAKE_TIMEOUT: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("omuhub-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: OMUHUB_LISTEN)")
	fs.StringVar(&dataDir, "data-dir", dataDir, "root directory for tables/registry/security/permissions (env: OMUHUB_DATA_DIR)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "websocket endpoint path (env: OMUHUB_WS_PATH)")
	fs.StringVar(&assetsDir, "assets-dir", assetsDir, "base directory the /asset route serves from (env: OMUHUB_ASSETS_DIR)")
	fs.StringVar(&dashboardToken, "dashboard-token", dashboardToken, "token a CONNECT may present to claim the dashboard role (env: OMUHUB_DASHBOARD_TOKEN)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, wildcard hostname (*.example.com) (env: OMUHUB_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (env: OMUHUB_ALLOW_NO_ORIGIN)")
	fs.BoolVar(&strictOrigin, "strict-origin", strictOrigin, "disconnect instead of logging on an Origin/app namespace mismatch (env: OMUHUB_STRICT_ORIGIN)")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "max time to wait for CONNECT after upgrade (env: OMUHUB_HANDSHAKE_TIMEOUT)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "enable TLS with the given certificate file (env: OMUHUB_TLS_CERT_FILE)")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "enable TLS with the given private key file (env: OMUHUB_TLS_KEY_FILE)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the metrics server (empty disables) (env: OMUHUB_METRICS_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, fsversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}
	if err := validateTLSFiles(tlsCertFile, tlsKeyFile); err != nil {
		return usageErr(err.Error())
	}

	sessionObs := observability.NewAtomicSessionObserver()
	cfg.DataDir = dataDir
	cfg.WSPath = wsPath
	cfg.AssetsDir = assetsDir
	cfg.DashboardToken = dashboardToken
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin
	cfg.StrictOrigin = strictOrigin
	cfg.HandshakeTimeout = handshakeTimeout
	cfg.Version = version
	cfg.Observers.Session = sessionObs

	var metricsReg promHandlerFunc
	var promSessionObs observability.SessionObserver
	if metricsListen != "" {
		reg := prom.NewRegistry()
		promSessionObs = prom.NewSessionObserver(reg)
		cfg.Observers.Endpoint = prom.NewEndpointObserver(reg)
		cfg.Observers.Table = prom.NewTableObserver(reg)
		cfg.Observers.Registry = prom.NewRegistryObserver(reg)
		cfg.Observers.Signal = prom.NewSignalObserver(reg)
		cfg.Observers.Permission = prom.NewPermissionObserver(reg)
		metricsReg = func() http.Handler { return prom.Handler(reg) }
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	restartRequested := false
	cfg.Shutdown = func(ctx context.Context, restart bool) error {
		restartRequested = restart
		shutdownCancel()
		return nil
	}

	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer srv.Close()

	mux := http.NewServeMux()
	srv.Register(mux)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, sessionObs)
		metrics.Enable(metricsReg, promSessionObs)

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		applyTLS(metricsSrv, tlsCertFile)
		go func() {
			serveErr := serveOn(metricsSrv, metricsLn, tlsCertFile, tlsKeyFile)
			if serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Fatal(serveErr)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	httpSrv := newHTTPServer(mux)
	applyTLS(httpSrv, tlsCertFile)
	go func() {
		serveErr := serveOn(httpSrv, ln, tlsCertFile, tlsKeyFile)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatal(serveErr)
		}
	}()

	wsScheme, httpScheme := "ws", "http"
	if tlsCertFile != "" {
		wsScheme, httpScheme = "wss", "https"
	}
	bindAddr := ln.Addr().String()
	out := ready{
		Version: version,
		Commit:  commit,
		Date:    date,
		Listen:  bindAddr,
		WSPath:  wsPath,
		WSURL:   wsScheme + "://" + bindAddr + wsPath,
		HTTPURL: httpScheme + "://" + bindAddr,
	}
	if metricsLn != nil {
		out.MetricsURL = httpScheme + "://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGUSR1:
				if metrics == nil {
					logger.Printf("metrics server disabled (missing --metrics-listen)")
					continue
				}
				metrics.Enable(metricsReg, promSessionObs)
				logger.Printf("metrics enabled")
			case syscall.SIGUSR2:
				if metrics == nil {
					continue
				}
				metrics.Disable()
				logger.Printf("metrics disabled")
			default:
				return shutdown(srv, httpSrv, metricsSrv, logger)
			}
		case <-shutdownCtx.Done():
			code := shutdown(srv, httpSrv, metricsSrv, logger)
			if restartRequested {
				logger.Printf("restart requested; exiting for the supervisor to relaunch")
			}
			return code
		}
	}
}

func shutdown(srv *server.Server, httpSrv, metricsSrv *http.Server, logger *log.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Printf("metrics shutdown: %v", err)
		}
	}
	return 0
}

func applyTLS(s *http.Server, certFile string) {
	if certFile == "" {
		return
	}
	if s.TLSConfig == nil {
		s.TLSConfig = &tls.Config{}
	}
	if s.TLSConfig.MinVersion == 0 {
		s.TLSConfig.MinVersion = tls.VersionTLS12
	}
}

func serveOn(s *http.Server, ln net.Listener, certFile, keyFile string) error {
	if certFile != "" {
		return s.ServeTLS(ln, certFile, keyFile)
	}
	return s.Serve(ln)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
