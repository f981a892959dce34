package httptransport

import (
	"net/http"
	"time"
)

// ServerConfig contains tunables for the HTTP server. WriteTimeout must stay
// zero while the event-stream endpoint is served, otherwise open streams are
// cut after the timeout elapses.
type ServerConfig struct {
	Address     string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// DefaultConfig returns the tunables used by the service binary.
func DefaultConfig(address string) ServerConfig {
	return ServerConfig{
		Address:     address,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// NewServer creates *http.Server with provided handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
