package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/config"
	"github.com/thialfihar/python-keepass-httpd/requests"
)

// StatusHeader carries the transport status on NATS replies.
const StatusHeader = "Kphttp-Status"

// drainTimeout bounds how long Close waits for in-flight requests.
const drainTimeout = 10 * time.Second

// natsConn is the part of *nats.Conn the server uses.
type natsConn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	Close()
}

// NATSServer answers KeePassHTTP requests over NATS request/reply.
type NATSServer struct {
	conn       natsConn
	config     config.NATSConfig
	dispatcher *requests.Dispatcher
	sub        *nats.Subscription

	closed    chan struct{}
	closeOnce sync.Once
}

// NewNATSServer connects to NATS. Connection state changes are reported
// to health.
func NewNATSServer(cfg config.NATSConfig, d *requests.Dispatcher, health *HealthState) (*NATSServer, error) {
	s := newNATSServer(cfg, d)

	opts := []nats.Option{
		nats.Name("kphttpd"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			health.SetNATSConnected(false)
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			health.SetNATSConnected(true)
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			health.SetNATSConnected(false)
			s.markClosed()
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		} else {
			log.Warn().Str("file", cfg.CredentialsFile).Msg("NATS credentials file not found, connecting without it")
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	health.SetNATSConnected(true)

	s.conn = conn
	return s, nil
}

func newNATSServer(cfg config.NATSConfig, d *requests.Dispatcher) *NATSServer {
	return &NATSServer{
		config:     cfg,
		dispatcher: d,
		closed:     make(chan struct{}),
	}
}

// Start subscribes to the request subject. Requests carry the values of
// ctx but not its cancellation, so requests still queued when shutdown
// begins are answered by Close's drain.
func (s *NATSServer) Start(ctx context.Context) error {
	reqCtx := context.WithoutCancel(ctx)
	sub, err := s.conn.Subscribe(s.config.Subject, func(msg *nats.Msg) {
		s.handle(reqCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}
	s.sub = sub

	log.Info().Str("subject", s.config.Subject).Msg("NATS transport listening")
	return nil
}

func (s *NATSServer) handle(ctx context.Context, msg *nats.Msg) {
	if msg.Reply == "" {
		log.Warn().Str("subject", msg.Subject).Msg("Dropping NATS request without reply subject")
		return
	}

	requestID := uuid.NewString()
	logger := log.With().Str("request_id", requestID).Str("transport", "nats").Logger()
	ctx = logger.WithContext(ctx)

	status, data := s.dispatcher.ServeJSON(ctx, msg.Data)

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(StatusHeader, strconv.Itoa(status))
	reply.Header.Set("Request-Id", requestID)
	reply.Data = data
	if err := msg.RespondMsg(reply); err != nil {
		logger.Error().Err(err).Msg("Failed to send NATS reply")
	}
}

// Close drains the connection: it stops accepting new requests, answers
// the ones already delivered, and waits for the connection to close.
func (s *NATSServer) Close() {
	if err := s.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
		s.conn.Close()
		return
	}

	select {
	case <-s.closed:
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("NATS drain timed out")
		s.conn.Close()
	}
}

func (s *NATSServer) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}
