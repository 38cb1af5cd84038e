package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	medportal "github.com/santeplus/medportal"
	"github.com/santeplus/medportal/config"
	httpx "github.com/santeplus/medportal/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// ErrCh receives a listen failure; nil means it is only logged.
	ErrCh chan<- error
}

// BuildHandler assembles the front-end router: templates and static files
// (embedded, or read from disk in dev mode), the imaging proxy sharing the
// bearer interceptor, and the session middleware chain.
func BuildHandler(cfg *config.AppConfig, svc ServiceContainer, logger *slog.Logger) (http.Handler, error) {
	templates, static, err := assetFS(cfg.IsDev)
	if err != nil {
		return nil, err
	}
	renderer, err := httpx.NewTemplateRenderer(httpx.TemplateRendererConfig{TemplateFS: templates, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	orthanc, err := httpx.NewOrthancProxy(httpx.OrthancProxyConfig{
		BackendURL: cfg.Backend.BaseURL,
		Prefix:     cfg.Backend.OrthancPrefix,
		Transport:  svc.HTTPClient.Transport,
		Timeout:    cfg.Backend.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create imaging proxy: %w", err)
	}

	return httpx.NewRouter(httpx.RouterServices{
		Sessions: svc.Sessions,
		Medical:  svc.Backend,
		Guard:    svc.Guard,
		Renderer: renderer,
		Orthanc:  orthanc,
		StaticFS: static,
		Cookie: httpx.ContextCookieConfig{
			CookieName:   cfg.Session.CookieName,
			CookieDomain: cfg.HTTP.CookieDomain,
			MaxAge:       cfg.Session.TTL,
		},
		Logger:  logger,
		Metrics: svc.Metrics,
	})
}

func assetFS(dev bool) (templates, static fs.FS, err error) {
	if dev {
		return os.DirFS("frontend/templates"), os.DirFS("frontend/static"), nil
	}
	templates, err = fs.Sub(medportal.TemplateFS, "frontend/templates")
	if err != nil {
		return nil, nil, fmt.Errorf("embedded templates: %w", err)
	}
	static, err = fs.Sub(medportal.StaticFS, "frontend/static")
	if err != nil {
		return nil, nil, fmt.Errorf("embedded static files: %w", err)
	}
	return templates, static, nil
}

// StartHTTPServer binds the listener and serves in the background. A bind
// failure is returned immediately.
func StartHTTPServer(cfg *HTTPServerConfig) (*http.Server, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, errors.New("http server config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler, err := BuildHandler(cfg.Config, cfg.Services, logger)
	if err != nil {
		return nil, err
	}

	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", serveErr)
			if cfg.ErrCh != nil {
				select {
				case cfg.ErrCh <- fmt.Errorf("http server: %w", serveErr):
				default:
				}
			}
		}
	}()

	return server, nil
}

// ShutdownHTTPServer drains in-flight requests, bounded by shutdownWaitTimeout.
func ShutdownHTTPServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownWaitTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
