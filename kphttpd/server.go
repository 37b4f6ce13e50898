package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/backup"
	"github.com/thialfihar/python-keepass-httpd/bootstrap"
	"github.com/thialfihar/python-keepass-httpd/config"
	"github.com/thialfihar/python-keepass-httpd/requests"
)

// Server runs the configured transports over one dispatcher.
type Server struct {
	cfg        *config.Config
	dispatcher *requests.Dispatcher
	backups    *backup.Manager
	health     *HealthState
}

// NewServer wires the dispatcher and backup manager over stores.
func NewServer(ctx context.Context, cfg *config.Config, stores *bootstrap.Stores) (*Server, error) {
	backups, err := bootstrap.BackupManager(ctx, cfg, stores)
	if err != nil {
		return nil, fmt.Errorf("failed to set up backups: %w", err)
	}

	return &Server{
		cfg:        cfg,
		dispatcher: requests.NewStandardDispatcher(stores.Credentials, stores.SQLite, cfg.Policy.AllowAssociate),
		backups:    backups,
		health:     NewHealthState(cfg.NATS.URL != ""),
	}, nil
}

// Run serves until ctx is cancelled, then shuts the transports down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	ln, err := listen(s.cfg.HTTP)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           newHTTPHandler(s.dispatcher, s.health),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTP transport listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var natsServer *NATSServer
	if s.cfg.NATS.URL != "" {
		natsServer, err = NewNATSServer(s.cfg.NATS, s.dispatcher, s.health)
		if err != nil {
			httpServer.Close()
			wg.Wait()
			return err
		}
		if err := natsServer.Start(ctx); err != nil {
			natsServer.Close()
			httpServer.Close()
			wg.Wait()
			return err
		}
	}

	if s.backups != nil && s.cfg.Backup.IntervalMinutes > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.backups.Run(ctx, time.Duration(s.cfg.Backup.IntervalMinutes)*time.Minute)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Info().Msg("Shutting down transports")
	// Drain NATS before stop cancels the backup loop and anything else
	// running under ctx.
	if natsServer != nil {
		natsServer.Close()
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	wg.Wait()
	return runErr
}
