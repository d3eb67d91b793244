// Package server exposes the local control API and the websocket event stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

func Handler(hub *Hub, deps Deps) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, deps)

	return mux
}

// Serve runs the control server until ctx is cancelled.
func Serve(ctx context.Context, addr string, hub *Hub, deps Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(hub, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: control API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
