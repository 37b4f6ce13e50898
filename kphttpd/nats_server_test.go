package main

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/config"
	"github.com/thialfihar/python-keepass-httpd/requests"
)

// fakeNATSConn holds delivered messages until Drain, like a subscription
// with a backlog.
type fakeNATSConn struct {
	server  *NATSServer
	handler nats.MsgHandler
	pending []*nats.Msg
	calls   []string
}

func (f *fakeNATSConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.calls = append(f.calls, "subscribe "+subj)
	f.handler = cb
	return nil, nil
}

func (f *fakeNATSConn) Drain() error {
	f.calls = append(f.calls, "drain")
	for _, msg := range f.pending {
		f.handler(msg)
	}
	f.pending = nil
	f.server.markClosed()
	return nil
}

func (f *fakeNATSConn) Close() {
	f.calls = append(f.calls, "close")
}

// ctxRecorder records whether its request context was already cancelled.
type ctxRecorder struct {
	seen []error
}

func (r *ctxRecorder) Process(ctx context.Context, request *auth.Fields) (*requests.Response, error) {
	r.seen = append(r.seen, ctx.Err())
	return &requests.Response{Fields: auth.NewFields(), Success: true}, nil
}

func TestNATSServer_DrainAnswersQueuedRequests(t *testing.T) {
	rec := &ctxRecorder{}
	d := requests.NewDispatcher()
	d.Register("record", rec)

	s := newNATSServer(config.NATSConfig{Subject: "kphttp.requests"}, d)
	conn := &fakeNATSConn{server: s}
	s.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Shutdown begins with requests still queued.
	conn.pending = []*nats.Msg{
		{Subject: "kphttp.requests", Reply: "_INBOX.1", Data: []byte(`{"RequestType":"record"}`)},
		{Subject: "kphttp.requests", Reply: "_INBOX.2", Data: []byte(`{"RequestType":"record"}`)},
	}
	cancel()
	s.Close()

	if len(rec.seen) != 2 {
		t.Fatalf("Handled %d queued requests, want 2", len(rec.seen))
	}
	for i, err := range rec.seen {
		if err != nil {
			t.Errorf("Request %d ran with a cancelled context: %v", i, err)
		}
	}
	if got := len(conn.calls); got != 2 || conn.calls[1] != "drain" {
		t.Errorf("Connection calls = %v, want subscribe then drain", conn.calls)
	}
}
