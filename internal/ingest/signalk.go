package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/state"
)

// Sink receives mapped records. statemanager.Manager satisfies it.
type Sink interface {
	ApplyUpdate(rec state.UpdateRecord) bool
}

// Options configures the SignalK reader.
type Options struct {
	URL            string // ws://host:3000/signalk/v1/stream
	Token          string
	Period         time.Duration // subscription period, default 1s
	ReconnectDelay time.Duration // first retry delay, default 3s
	MaxDelay       time.Duration // default 30s
	Dialer         *websocket.Dialer
}

// SignalK streams deltas from a SignalK server into a Sink, reconnecting
// until its context ends.
type SignalK struct {
	opts Options
	sink Sink
	log  *zap.SugaredLogger

	connects atomic.Int32
	records  atomic.Int64
}

func NewSignalK(opts Options, sink Sink, log *zap.SugaredLogger) *SignalK {
	if opts.Period <= 0 {
		opts.Period = time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SignalK{opts: opts, sink: sink, log: log}
}

// Connects is the number of successful connections so far.
func (s *SignalK) Connects() int { return int(s.connects.Load()) }

// Records is the number of records handed to the sink.
func (s *SignalK) Records() int64 { return s.records.Load() }

// Run blocks until ctx is done.
func (s *SignalK) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectDelay
	bo.MaxInterval = s.opts.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		s.log.Warnf("SignalK connection ended (%v), retrying in %s", err, delay.Round(time.Millisecond))
		metrics.IncErrorCount("ingest")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *SignalK) target() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("subscribe", "none")
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session runs one connection. received reports whether any delta arrived.
func (s *SignalK) session(ctx context.Context) (received bool, err error) {
	target, err := s.target()
	if err != nil {
		return false, err
	}
	conn, _, err := s.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.connects.Add(1)
	s.log.Infof("🔗 Connected to SignalK at %s", s.opts.URL)

	sub := map[string]any{
		"context": "vessels.self",
		"subscribe": []any{
			map[string]any{"path": "*", "period": s.opts.Period.Milliseconds()},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	self := ""
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		d, err := ParseDelta(payload)
		if err != nil {
			s.log.Debugf("Skipping frame: %v", err)
			metrics.IncDropped("ingest", "malformed")
			continue
		}
		if d.IsHello() {
			self = d.Self
			s.log.Infof("SignalK server %s, self %s", d.Version, d.Self)
			continue
		}
		if !isSelf(d.Context, self) {
			continue
		}
		received = true
		metrics.IncMessage("ingest", "in", "delta")

		records, unmapped := d.Records()
		for _, rec := range records {
			if s.sink.ApplyUpdate(rec) {
				s.records.Add(1)
			}
		}
		if unmapped > 0 {
			metrics.IncDropped("ingest", "unmapped")
		}
	}
}

// isSelf accepts deltas for our own vessel. Other contexts are AIS targets
// and the like.
func isSelf(ctxName, self string) bool {
	switch {
	case ctxName == "" || ctxName == "vessels.self":
		return true
	case self != "":
		return ctxName == self || strings.TrimPrefix(self, "vessels.") == strings.TrimPrefix(ctxName, "vessels.")
	}
	return false
}
