// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"github.com/sustainable-computing-io/powerstats/internal/version"
)

// DefaultListenAddress is used when no listen address is configured
const DefaultListenAddress = ":28282"

const shutdownTimeout = 5 * time.Second

// APIService is an HTTP server other services mount endpoints on
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves registered endpoints and a landing page linking them
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu      sync.Mutex
	links   []web.LandingLinks
	landing *web.LandingPageHandler
}

var _ APIService = (*APIServer)(nil)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listen addresses and the web config file (TLS, basic
// auth) of the APIServer
func WithListen(addr []string, path string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addr,
			WebConfigFile:      &path,
		}
	}
}

// WithWebConfig sets the exporter-toolkit web configuration
func WithWebConfig(cfg *web.FlagConfig) OptionFn {
	return func(o *Opts) {
		o.webConfig = cfg
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{DefaultListenAddress},
			WebConfigFile:      new(string),
		},
	}
}

// NewAPIServer creates a new APIServer
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    &http.Server{Handler: mux},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

// Init mounts the landing page on "/". Endpoints registered later show up
// on it as well.
func (s *APIServer) Init() error {
	s.logger.Info("Initializing powerstats server")
	s.mux.HandleFunc("/", s.serveLanding)
	return nil
}

func (s *APIServer) serveLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h, err := s.landingPage()
	if err != nil {
		s.logger.Error("failed to render landing page", "error", err)
		http.Error(w, "landing page unavailable", http.StatusInternalServerError)
		return
	}
	h.ServeHTTP(w, r)
}

// landingPage renders the page on first use after each Register
func (s *APIServer) landingPage() (*web.LandingPageHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.landing != nil {
		return s.landing, nil
	}
	h, err := web.NewLandingPage(web.LandingConfig{
		Name:        "Power Stats",
		Description: "SoC power statistics: state residency, energy meter and consumer energy",
		Version:     version.Info().String(),
		RoutePrefix: "/",
		Links:       slices.Clone(s.links),
	})
	if err != nil {
		return nil, err
	}
	s.landing = h
	return h, nil
}

// Run serves until ctx is done or the listener fails
func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running powerstats server", "addresses", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Context done, stopping powerstats server")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("powerstats server failed", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("Shutting down powerstats server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register mounts handler on endpoint and lists it on the landing page
func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	s.logger.Debug("Endpoint registered", "endpoint", endpoint)
	s.mux.Handle(endpoint, handler)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, web.LandingLinks{
		Address:     endpoint,
		Text:        summary,
		Description: description,
	})
	s.landing = nil
	return nil
}
