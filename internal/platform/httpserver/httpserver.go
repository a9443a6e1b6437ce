// Package httpserver builds the shared http.Server used by cmd/server.
package httpserver

import (
	"net/http"
	"time"
)

// New builds a server with conservative timeouts. Export responses can be
// large, so the write timeout is generous relative to the read side.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
