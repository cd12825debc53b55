package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewServer builds the API server. Request contexts derive from a base
// context that is cancelled as soon as Shutdown starts, so open event
// streams end instead of holding the shutdown until its deadline.
// WriteTimeout stays zero because event streams are long lived.
func NewServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	server.RegisterOnShutdown(cancel)
	return server
}
