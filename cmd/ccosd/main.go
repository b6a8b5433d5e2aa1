// ccosd is the CCOS control plane daemon: capability marketplace, missing-
// capability resolver, approval queue, causal chain, stream transport, and
// sandboxed execution, fronted by an HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentoven/ccos/control-plane/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("ccosd starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}
	defer srv.Shutdown(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("ccosd ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
