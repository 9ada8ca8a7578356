package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSTransport publishes outbound messages to a JetStream stream. Each
// message stream maps to its own subject below the configured prefix
type NATSTransport struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

const (
	streamHeader  = "Ledger-Stream"
	natsConsumers = "ledger-"
)

var (
	natsReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

	_ Transport = (*NATSTransport)(nil)
)

// NewNATSTransport connects to the configured server and makes sure the
// JetStream stream exists
func NewNATSTransport(
	ctx context.Context, cfg NATSConfig,
) (*NATSTransport, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := &NATSTransport{conn: conn, js: js, config: cfg}
	if err := t.EnsureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// EnsureStream creates or updates the JetStream stream that captures every
// subject under the prefix
func (t *NATSTransport) EnsureStream(ctx context.Context) error {
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     t.config.Stream,
		Subjects: []string{t.config.SubjectPrefix + ".>"},
	})
	return err
}

// Publish implements Transport. Messages carrying an ID are deduplicated by
// the server. The delivery id is the JetStream sequence
func (t *NATSTransport) Publish(
	ctx context.Context, stream string, msg *Message,
) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	out := nats.NewMsg(t.Subject(stream))
	out.Data = data
	out.Header.Set(streamHeader, stream)

	var opts []jetstream.PublishOpt
	if id := msg.Metadata.ID; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	ack, err := t.js.PublishMsg(ctx, out, opts...)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Subject returns the subject messages of stream are published to. The
// category and the id are separate tokens, so consumers can filter by
// category
func (t *NATSTransport) Subject(stream string) string {
	id := IDOf(stream)
	if id == "" {
		id = "_"
	}
	return t.categorySubject(CategoryOf(stream)) + "." + natsToken(id)
}

func (t *NATSTransport) categorySubject(category string) string {
	return t.config.SubjectPrefix + "." + natsToken(category)
}

// Poll fetches one delivery of category through a durable consumer, waiting
// up to timeout, and passes it to handler. A failed delivery is redelivered
func (t *NATSTransport) Poll(
	ctx context.Context, category string, timeout time.Duration,
	handler DeliveryHandler,
) error {
	if handler == nil {
		return errors.New("delivery handler is required")
	}

	cons, err := t.js.CreateOrUpdateConsumer(ctx, t.config.Stream,
		jetstream.ConsumerConfig{
			Durable:       natsConsumers + natsToken(category),
			FilterSubject: t.categorySubject(category) + ".*",
			AckPolicy:     jetstream.AckExplicitPolicy,
		},
	)
	if err != nil {
		return err
	}

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return err
	}
	for m := range batch.Messages() {
		d, err := natsDelivery(m)
		if err != nil {
			_ = m.Term()
			return err
		}
		if err := handler(ctx, d); err != nil {
			_ = m.Nak()
			return err
		}
		if err := m.Ack(); err != nil {
			return err
		}
	}
	return batch.Error()
}

// Close drains the connection
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}

func natsDelivery(m jetstream.Msg) (*Delivery, error) {
	stream := m.Headers().Get(streamHeader)
	if stream == "" {
		return nil, ErrDeliveryMalformed
	}
	var msg Message
	if err := json.Unmarshal(m.Data(), &msg); err != nil {
		return nil, err
	}
	d := &Delivery{Stream: stream, Message: &msg}
	if md, err := m.Metadata(); err == nil {
		d.ID = strconv.FormatUint(md.Sequence.Stream, 10)
	}
	return d, nil
}

func natsToken(s string) string {
	return natsReplacer.Replace(s)
}
