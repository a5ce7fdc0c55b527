// Package main runs the data dictionary upload API: an authenticated HTTP
// endpoint that validates Neurobagel-annotated data dictionaries and opens
// pull requests against the dataset repositories on GitHub.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/neurobagel/dictionary-upload/pkg/config"
	"github.com/neurobagel/dictionary-upload/pkg/github"
	"github.com/neurobagel/dictionary-upload/pkg/logger"
	"github.com/neurobagel/dictionary-upload/pkg/metrics"
	"github.com/neurobagel/dictionary-upload/pkg/secrets"
	"github.com/neurobagel/dictionary-upload/pkg/security"
	"github.com/neurobagel/dictionary-upload/pkg/upload"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
	maxHeaderBytes  = 1 << 20 // 1MB
)

// options holds command-line overrides. Zero values leave the configuration untouched.
type options struct {
	configPath     string
	credentials    string
	addr           string
	metricsAddr    string
	rootPath       string
	logLevel       string
	allowedOrigins []string
	domains        []string
	certDir        string
	maxConns       int
	rateLimit      int
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	fs.StringVar(&opts.credentials, "gcp-credentials", "", "Service account key for Secret Manager (default: application default credentials)")
	fs.StringVar(&opts.addr, "addr", "", "HTTP service address (default :8000)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics address; empty disables the listener")
	fs.StringVar(&opts.rootPath, "root-path", "", "Path prefix under which a reverse proxy serves the API")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringSliceVar(&opts.allowedOrigins, "allowed-origins", nil, "Comma-separated CORS allowlist")
	fs.StringSliceVar(&opts.domains, "domains", nil, "Comma-separated domains for Let's Encrypt certificates")
	fs.StringVar(&opts.certDir, "cert-dir", "", "Cache directory for Let's Encrypt certificates")
	fs.IntVar(&opts.maxConns, "max-conns", 0, "Maximum concurrent connections")
	fs.IntVar(&opts.rateLimit, "rate-limit", 0, "Maximum requests per minute per IP")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// apply overrides cfg with every flag that was set.
func (o *options) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.metricsAddr != "" {
		cfg.Server.MetricsAddr = o.metricsAddr
	}
	if o.rootPath != "" {
		cfg.RootPath = o.rootPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if len(o.allowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = o.allowedOrigins
	}
	if len(o.domains) > 0 {
		cfg.Server.Domains = o.domains
	}
	if o.certDir != "" {
		cfg.Server.CertDir = o.certDir
	}
	if o.maxConns > 0 {
		cfg.Server.MaxConns = o.maxConns
	}
	if o.rateLimit > 0 {
		cfg.Server.RateLimit = o.rateLimit
	}
}

// loadConfig layers defaults, the config file, the environment, Secret
// Manager and flags, then validates the result.
func loadConfig(ctx context.Context, opts *options, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return nil, err
	}

	if cfg.GCPProject != "" {
		sm, err := secrets.New(ctx, cfg.GCPProject, opts.credentials)
		if err != nil {
			return nil, err
		}
		cfg.ApplySecrets(ctx, sm)
		if err := sm.Close(); err != nil {
			logger.Warn(ctx, "failed to close secret manager client", logger.Fields{"error": err.Error()})
		}
	}

	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newGitHubClient authenticates as a GitHub App when one is configured and
// with a personal access token otherwise.
func newGitHubClient(cfg *config.Config, m *metrics.Metrics) (*github.Client, error) {
	var tokens github.TokenSource = github.StaticToken(cfg.GitHub.Token)
	if cfg.UsesApp() {
		key, err := cfg.PrivateKey()
		if err != nil {
			return nil, err
		}
		src, err := github.NewAppTokenSource(github.AppConfig{
			AppID:          cfg.GitHub.AppID,
			InstallationID: cfg.GitHub.InstallationID,
			Org:            cfg.GitHub.Org,
			PrivateKey:     key,
			BaseURL:        cfg.GitHub.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		tokens = src
	}
	return github.NewClient(cfg.GitHub.Org, tokens,
		github.WithBaseURL(cfg.GitHub.BaseURL),
		github.WithObserver(m.ObserveGitHub),
	), nil
}

// newHandler builds the API handler wrapped in the security middleware.
func newHandler(cfg *config.Config, gh github.APIClient, m *metrics.Metrics, rl *security.RateLimiter) (http.Handler, error) {
	api, err := upload.New(upload.Config{
		GitHub:         gh,
		Metrics:        m,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		TargetFile:     cfg.GitHub.TargetFile,
		RootPath:       cfg.RootPath,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return nil, err
	}
	return security.CombinedMiddleware(rl, cfg.Server.AllowedOrigins)(api.Handler()), nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		logger.Error(ctx, "server failed", err, nil)
		stop()
		os.Exit(1)
	}
	logger.Info(ctx, "server stopped", nil)
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(ctx, opts, os.LookupEnv)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	m := metrics.New()
	gh, err := newGitHubClient(cfg, m)
	if err != nil {
		return err
	}

	rateLimiter := security.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
	defer rateLimiter.Stop()

	handler, err := newHandler(cfg, gh, m, rateLimiter)
	if err != nil {
		return err
	}

	api := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        handler,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}
	servers := []*http.Server{api}

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Server.Domains) > 0 {
		if err := os.MkdirAll(cfg.Server.CertDir, 0o700); err != nil {
			return fmt.Errorf("failed to create certificate cache directory: %w", err)
		}
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.Domains...),
			Cache:      autocert.DirCache(cfg.Server.CertDir),
		}
		api.Addr = ":443"
		api.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		// ACME HTTP-01 challenges need port 80.
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readTimeout,
		}
		servers = append(servers, challenge)
		g.Go(func() error { return serve(challenge, 0, false) })
	} else {
		logger.Warn(ctx, "TLS not enabled; set server.domains for Let's Encrypt certificates", nil)
	}

	g.Go(func() error { return serve(api, cfg.Server.MaxConns, api.TLSConfig != nil) })

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: readTimeout,
		}
		servers = append(servers, metricsServer)
		g.Go(func() error { return serve(metricsServer, 0, false) })
	}

	logger.Info(ctx, "upload API started", logger.Fields{
		"addr":         api.Addr,
		"metrics_addr": cfg.Server.MetricsAddr,
		"root_path":    cfg.RootPath,
		"org":          cfg.GitHub.Org,
		"github_app":   cfg.UsesApp(),
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down server", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// serve runs srv until it is shut down. maxConns > 0 caps concurrent connections.
func serve(srv *http.Server, maxConns int, useTLS bool) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
