package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/metrics"
	"github.com/pzhenzhou/respgo/pkg/respio"
)

const (
	reconnectMultiplier = 2.0
	reconnectJitter     = 0.5
)

func newReconnectBackOff(cfg *common.ConnConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = reconnectMultiplier
	b.RandomizationFactor = reconnectJitter
	return b
}

// connect dials until a connection completes its handshake. Each round makes
// cfg.ReconnectAttempts attempts with jittered exponential delays; between
// rounds the connect-error hook decides whether to go on.
func (s *Session) connect() error {
	s.connecting = true
	defer func() { s.connecting = false }()
	for round := 1; ; round++ {
		conn, err := backoff.Retry(context.Background(), s.dialOnce,
			backoff.WithBackOff(newReconnectBackOff(s.cfg)),
			backoff.WithMaxTries(uint(max(s.cfg.ReconnectAttempts, 1))),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Info("Connect attempt failed, retrying", "Id", s.Id, "Addr", s.cfg.Addr, "next", next, "error", err)
			}),
		)
		if err == nil {
			s.attach(conn)
			if s.subscribed {
				return s.resubscribe()
			}
			return nil
		}
		logger.Error(err, "Connect attempts exhausted", "Id", s.Id, "Addr", s.cfg.Addr, "round", round)
		if s.onConnectError == nil || !s.onConnectError(s.cfg, err) {
			s.tracker.TrackError("connect_gave_up")
			return fmt.Errorf("%w: %s: %w", ErrConnectGaveUp, s.cfg.Addr, err)
		}
		if verr := s.cfg.Validate(); verr != nil {
			return fmt.Errorf("%w: %w", ErrConnectGaveUp, verr)
		}
	}
}

func (s *Session) dialOnce() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   s.cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	network := s.cfg.Network
	if network == "" {
		network = "tcp"
	}
	conn, err := dialer.Dial(network, s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		var remote *RemoteError
		if errors.As(err, &remote) {
			// the server answered, trying again will not change its mind
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	if s.writer == nil {
		s.writer = respio.NewRespWriter(conn)
	} else {
		s.writer.Reset(conn)
	}
	s.decoder.Reset()
	s.pid = os.Getpid()
	s.invalidated = false
	s.tracker.TrackEvent(metrics.CounterReconnect)
	logger.V(1).Info("Session connected", "Id", s.Id, "Addr", s.cfg.Addr, "Local", conn.LocalAddr())
}
