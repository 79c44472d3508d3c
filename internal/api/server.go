// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/custodia-engine/custodia/internal/config"
	"github.com/custodia-engine/custodia/internal/logging"
)

const shutdownGrace = 10 * time.Second

// Server runs the HTTP API as a supervised service. Serve blocks until
// the context is cancelled, then drains in-flight requests.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds the listener around the routing tree.
func NewServer(eng Engine, cfg config.APIConfig) *Server {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(eng, cfg),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("api server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("api server shutdown")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) String() string { return "api-server" }
