package session

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/samber/lo"
)

// Message is one published message. Pattern is set for pmessage deliveries.
type Message struct {
	Kind    string
	Pattern string
	Channel string
	Payload []byte
}

func (m *Message) String() string {
	if m.Pattern != "" {
		return fmt.Sprintf("%s %s %s: %q", m.Kind, m.Pattern, m.Channel, m.Payload)
	}
	return fmt.Sprintf("%s %s: %q", m.Kind, m.Channel, m.Payload)
}

type Subscriber func(s *Session, msg *Message)

// SetDefaultSubscriber receives messages for channels and patterns that were
// subscribed without a callback of their own.
func (s *Session) SetDefaultSubscriber(cb Subscriber) {
	s.defaultSubber = cb
}

// Subscribe enters subscription mode. Replies still owed to earlier commands
// are read first; from then on every reply goes to the message dispatcher.
func (s *Session) Subscribe(cb Subscriber, channels ...string) error {
	return s.sendSubscriptionCommand("SUBSCRIBE", respio.StringArgs(channels...), cb)
}

func (s *Session) PSubscribe(cb Subscriber, patterns ...string) error {
	return s.sendSubscriptionCommand("PSUBSCRIBE", respio.StringArgs(patterns...), cb)
}

// Unsubscribe with no channels drops every channel subscription. The session
// leaves subscription mode, and reconnects, once the server reports none left.
func (s *Session) Unsubscribe(channels ...string) error {
	if !s.subscribed {
		return misuse("UNSUBSCRIBE", "session is not subscribed")
	}
	return s.sendSubscriptionCommand("UNSUBSCRIBE", respio.StringArgs(channels...), nil)
}

func (s *Session) PUnsubscribe(patterns ...string) error {
	if !s.subscribed {
		return misuse("PUNSUBSCRIBE", "session is not subscribed")
	}
	return s.sendSubscriptionCommand("PUNSUBSCRIBE", respio.StringArgs(patterns...), nil)
}

// Channels returns the subscribed channels, sorted.
func (s *Session) Channels() []string {
	keys := lo.Keys(s.channels)
	slices.Sort(keys)
	return keys
}

func (s *Session) Patterns() []string {
	keys := lo.Keys(s.patterns)
	slices.Sort(keys)
	return keys
}

// SubscriptionLoop reads and dispatches messages until no subscription is
// left. A configured Timeout surfaces as ErrTimeout; calling it again resumes.
func (s *Session) SubscriptionLoop() error {
	for s.subscribed {
		if err := s.readBlocking(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendSubscriptionCommand(name string, args [][]byte, cb Subscriber) error {
	if s.closed {
		return ErrSessionClosed
	}
	switch name {
	case "SUBSCRIBE", "PSUBSCRIBE":
		if len(args) == 0 {
			return misuse(name, "at least one channel or pattern is required")
		}
		if !s.subscribed {
			if err := s.ensureConnected(); err != nil {
				return err
			}
			if err := s.Drain(); err != nil {
				return err
			}
			s.subscribed = true
		}
		table := s.channels
		if name == "PSUBSCRIBE" {
			table = s.patterns
		}
		for _, arg := range args {
			table[string(arg)] = cb
		}
	case "QUIT":
		// the server closes after QUIT; nothing is left to restore
		clear(s.channels)
		clear(s.patterns)
	}
	if s.conn == nil || s.invalidated || s.pid != os.Getpid() {
		if err := s.ensureConnected(); err != nil {
			return err
		}
		// connect already re-issued every subscription, new ones included
		if name == "SUBSCRIBE" || name == "PSUBSCRIBE" {
			return nil
		}
	}
	if err := s.writeCommand(name, args); err != nil {
		return s.connectionLost(err)
	}
	s.tracker.TrackCommand(name)
	return nil
}

func (s *Session) resubscribe() error {
	for _, sub := range []struct {
		cmd  string
		keys []string
	}{
		{"SUBSCRIBE", s.Channels()},
		{"PSUBSCRIBE", s.Patterns()},
	} {
		if len(sub.keys) == 0 {
			continue
		}
		if err := s.writeCommand(sub.cmd, respio.StringArgs(sub.keys...)); err != nil {
			s.teardown()
			return fmt.Errorf("%w: resubscribe: %w", ErrDisconnected, err)
		}
	}
	logger.Info("Subscriptions restored", "Id", s.Id, "channels", len(s.channels), "patterns", len(s.patterns))
	return nil
}

func (s *Session) dispatchPush(pkt *respio.RespPacket) error {
	if pkt.IsError() {
		return &RemoteError{Message: pkt.Text()}
	}
	if pkt.Type != respio.RespArray || len(pkt.Array) == 0 {
		logger.Info("Unexpected reply in subscription mode", "Id", s.Id, "reply", pkt.String())
		respio.ReleaseRespPacket(pkt)
		return nil
	}
	kind := strings.ToLower(pkt.Array[0].Text())
	switch kind {
	case "message":
		if len(pkt.Array) < 3 {
			break
		}
		msg := &Message{Kind: kind, Channel: pkt.Array[1].Text(), Payload: pkt.Array[2].Data}
		s.deliver(s.channels[msg.Channel], msg)
		return nil
	case "pmessage":
		if len(pkt.Array) < 4 {
			break
		}
		msg := &Message{
			Kind:    kind,
			Pattern: pkt.Array[1].Text(),
			Channel: pkt.Array[2].Text(),
			Payload: pkt.Array[3].Data,
		}
		s.deliver(s.patterns[msg.Pattern], msg)
		return nil
	case "subscribe", "psubscribe", "pong":
		respio.ReleaseRespPacket(pkt)
		return nil
	case "unsubscribe", "punsubscribe":
		if len(pkt.Array) < 3 {
			break
		}
		table := s.channels
		if kind == "punsubscribe" {
			table = s.patterns
		}
		if !pkt.Array[1].IsNull() {
			delete(table, pkt.Array[1].Text())
		}
		remaining, err := pkt.Array[2].Integer()
		respio.ReleaseRespPacket(pkt)
		if err == nil && remaining == 0 {
			return s.leaveSubscription()
		}
		return nil
	}
	logger.Info("Unexpected push in subscription mode", "Id", s.Id, "reply", pkt.String())
	respio.ReleaseRespPacket(pkt)
	return nil
}

func (s *Session) deliver(cb Subscriber, msg *Message) {
	if cb == nil {
		cb = s.defaultSubber
	}
	if cb == nil {
		logger.V(1).Info("No subscriber for message", "Id", s.Id, "channel", msg.Channel)
		return
	}
	cb(s, msg)
}

// leaveSubscription starts over on a fresh connection, the server keeps
// subscription state per connection.
func (s *Session) leaveSubscription() error {
	s.subscribed = false
	clear(s.channels)
	clear(s.patterns)
	s.teardown()
	logger.V(1).Info("Left subscription mode", "Id", s.Id)
	return s.connect()
}
