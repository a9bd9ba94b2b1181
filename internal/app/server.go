// v1
// internal/app/server.go
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// serve runs srv in the background. The channel yields nil after a clean
// Shutdown.
func serve(srv *http.Server, logger *slog.Logger) <-chan error {
	ch := make(chan error, 1)
	go func() {
		logger.Info("http_server_listen", slog.String("address", srv.Addr))
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		ch <- err
	}()
	return ch
}

func shutdownServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_failed", slog.Any("err", err))
	}
}
