package ledger

import (
	"encoding/json"
	"strconv"
	"time"
)

// Envelope computes the identity and ordering metadata of messages raised by
// one aggregate during one commit cycle. Stamping is a pure computation
type Envelope struct {
	Category    string
	AggregateID string
	Version     int64
	Position    int64
}

// Stamp wraps a payload as the index'th (1-based) message of the current
// commit cycle. Events are positioned after the aggregate's stream tail.
// Commands target the sibling command stream and are positioned and
// sequenced by the log
func (e Envelope) Stamp(
	mk MessageKind, tag TypeTag, data json.RawMessage, index int, at time.Time,
) *Message {
	msg := &Message{
		Type: tag,
		Data: data,
		Metadata: Metadata{
			Kind:       mk,
			Version:    tag.Version(),
			SequenceID: NewSequenceID(e.Version, index),
			Timestamp:  at,
		},
	}
	if mk == CommandKind {
		msg.Stream = CommandStream(e.Category, e.AggregateID)
		msg.Metadata.SequenceID = ""
		return msg
	}
	msg.Stream = EventStream(e.Category, e.AggregateID)
	msg.Position = e.Position + int64(index)
	msg.Metadata.ID = messageID(msg.Stream, msg.Position)
	return msg
}

// EnvelopeCommand builds a command addressed to the aggregate identified by
// id. The tag must be registered as a command
func EnvelopeCommand(
	reg *Registry, id string, tag TypeTag, value any,
) (*Message, error) {
	k, mk, err := reg.KindOf(tag)
	if err != nil {
		return nil, err
	}
	if mk != CommandKind {
		return nil, configErrorf("%q is registered as %s, not command", tag, mk)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	env := Envelope{Category: k.Category, AggregateID: id}
	return env.Stamp(CommandKind, tag, data, 1, time.Now()), nil
}

// Restamp returns a copy of msg addressed to another stream, with its origin
// recorded. The log assigns the copy a new position and id when appended
func Restamp(msg *Message, stream string) *Message {
	res := msg.Clone()
	if res.Metadata.OriginStream == "" {
		res.Metadata.OriginStream = msg.Stream
	}
	res.Stream = stream
	res.Position = 0
	res.GlobalPosition = 0
	res.Metadata.ID = ""
	res.Metadata.SequenceID = ""
	return res
}

func messageID(stream string, pos int64) string {
	return stream + streamSep + strconv.FormatInt(pos, 10)
}
