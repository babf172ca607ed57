// Package transport adapts the supervisor's two wire protocols onto NATS:
// a publish/subscribe event bus for inbound events, and a subject-addressed
// request/reply channel that emulates the spec's ROUTER/DEALER framing
// (connectionIdentity + empty delimiter + payload) over NATS subjects.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"carapace/internal/corelog"
)

// EventTopicPrefix namespaces every event-bus subject under this process.
const EventTopicPrefix = "carapace.events."

// RequestSubjectPrefix namespaces the request/reply channel per session,
// keyed by connection identity rather than session id, matching the
// registry's own lookup key.
const RequestSubjectPrefix = "carapace.requests."

// Bus is the PUB/SUB event bus adapter. Core subscribes to a fixed set of
// topics (message.inbound, task.triggered); anything else is never
// subscribed to, so it is implicitly dropped at the transport layer too.
type Bus struct {
	conn *nats.Conn
	log  corelog.Logger
}

// EventHandler processes one raw event payload off a topic subscription.
type EventHandler func(ctx context.Context, topic string, payload []byte) error

// Connect dials NATS at url with indefinite reconnect, matching the
// corpus's own NATS client configuration for long-lived supervisor
// processes.
func Connect(url string, log corelog.Logger) (*Bus, error) {
	if log == nil {
		log = corelog.Discard
	}
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("carapace-supervisor"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to NATS: %w", err)
	}
	return &Bus{conn: conn, log: log}, nil
}

// Subscribe subscribes to topic (bare, e.g. "message.inbound") under the
// event topic prefix, invoking handler for every message. Handler errors
// are logged and do not unsubscribe — background event processing never
// crashes the supervisor.
func (b *Bus) Subscribe(topic string, handler EventHandler) (*nats.Subscription, error) {
	subject := EventTopicPrefix + topic
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(context.Background(), topic, msg.Data); err != nil {
			b.log.Error("event handler failed", "topic", topic, "err", err)
		}
	})
}

// Publish emits a JSON-encoded value on topic.
func (b *Bus) Publish(topic string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("transport: marshal event: %w", err)
	}
	return b.conn.Publish(EventTopicPrefix+topic, data)
}

// Close drains and closes the underlying NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// RequestChannel is the subject-addressed request/reply adapter. Each
// session's agent publishes its RequestEnvelope to its own connection
// identity's subject and awaits the reply on the same round trip,
// emulating DEALER framing without a literal [identity][delimiter][body]
// wire frame — NATS subject addressing plays the identity-frame role.
type RequestChannel struct {
	conn *nats.Conn
}

func NewRequestChannel(bus *Bus) *RequestChannel {
	return &RequestChannel{conn: bus.conn}
}

// RequestHandler processes one request frame's payload and returns the
// response bytes to send back.
type RequestHandler func(ctx context.Context, connectionIdentity string, payload []byte) []byte

// Serve subscribes to connectionIdentity's request subject and invokes
// handler per request, replying on the NATS message's own reply subject.
// The identity passed to handler is the one the subscription was made for,
// never read from the payload.
func (r *RequestChannel) Serve(connectionIdentity string, handler RequestHandler) (*nats.Subscription, error) {
	subject := RequestSubjectPrefix + connectionIdentity
	return r.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp := handler(context.Background(), connectionIdentity, msg.Data)
		if msg.Reply != "" {
			_ = r.conn.Publish(msg.Reply, resp)
		}
	})
}

// Request sends payload to connectionIdentity's subject and blocks for a
// reply up to ctx's deadline; within this repository only the package's
// tests call it.
func (r *RequestChannel) Request(ctx context.Context, connectionIdentity string, payload []byte) ([]byte, error) {
	subject := RequestSubjectPrefix + connectionIdentity
	msg, err := r.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("transport: request: %w", err)
	}
	return msg.Data, nil
}
