package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// LogSink writes each event as one log line.
type LogSink struct{}

// Publish implements Sink.
func (LogSink) Publish(_ context.Context, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[events] %s run=%s", ev.Type, ev.RunID)
	if ev.Workflow != "" {
		fmt.Fprintf(&b, " workflow=%s", ev.Workflow)
	}
	if ev.Step >= 0 {
		fmt.Fprintf(&b, " step=%d", ev.Step)
	}
	if ev.StepType != "" {
		fmt.Fprintf(&b, " type=%s", ev.StepType)
	}
	if ev.EscalationID != "" {
		fmt.Fprintf(&b, " escalation=%s", ev.EscalationID)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " msg=%q", ev.Message)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " err=%q", ev.Error)
	}
	log.Print(b.String())
	return nil
}

// DefaultSubjectPrefix is the NATS subject prefix events are published under.
const DefaultSubjectPrefix = "agentorch.events"

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NatsSink publishes events as JSON to <prefix>.<type>.
type NatsSink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
}

// NewNatsSink dials NATS at url.
func NewNatsSink(url, prefix string) (*NatsSink, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}
	opts := []nats.Option{
		nats.Name("agentorch-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[events] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s := newNatsSink(nc, prefix)
	s.conn = nc
	return s, nil
}

func newNatsSink(pub publisher, prefix string) *NatsSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NatsSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event of type t is published on.
func (s *NatsSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

// Publish implements Sink.
func (s *NatsSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.pub.Publish(s.Subject(ev.Type), data)
}

// Close drains and closes the connection, if the sink owns one.
func (s *NatsSink) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
		}
	}
}

// ChanSink forwards events to a channel, e.g. for a terminal UI. Events are
// dropped when the channel is full.
type ChanSink chan Event

// Publish implements Sink.
func (c ChanSink) Publish(_ context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	default:
		return errors.New("event channel full")
	}
}
