package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// MessageKind distinguishes events from commands. Both share the same
	// envelope and differ only in the stream they target
	MessageKind uint8

	// TypeTag names a message type as "Namespace.Name.vN"
	TypeTag string

	// SequenceID orders messages within a stream as "<version>.<index>",
	// where version is the aggregate's commit version before the commit and
	// index is the 1-based position of the message within that commit
	SequenceID string

	// Metadata carries the identity and ordering information of a Message
	Metadata struct {
		Timestamp    time.Time   `json:"timestamp"`
		ID           string      `json:"id"`
		Version      string      `json:"version"`
		SequenceID   SequenceID  `json:"sequence_id"`
		OriginStream string      `json:"origin_stream,omitempty"`
		Kind         MessageKind `json:"kind"`
	}

	// Message is an immutable, enveloped event or command. It is also the
	// shape of a persisted log record
	Message struct {
		Stream         string          `json:"stream"`
		Type           TypeTag         `json:"type"`
		Data           json.RawMessage `json:"data"`
		Metadata       Metadata        `json:"metadata"`
		Position       int64           `json:"position"`
		GlobalPosition int64           `json:"global_position,omitempty"`
	}
)

const (
	// EventKind marks a message raised by an aggregate
	EventKind MessageKind = iota

	// CommandKind marks a message requesting work from an aggregate
	CommandKind
)

// DefaultSchemaVersion is used when a TypeTag is built without a version
const DefaultSchemaVersion = "v1"

const (
	eventKindName   = "event"
	commandKindName = "command"
)

// NewTypeTag builds a TypeTag from its parts. An empty version becomes
// DefaultSchemaVersion
func NewTypeTag(namespace, name, version string) TypeTag {
	if version == "" {
		version = DefaultSchemaVersion
	}
	return TypeTag(namespace + "." + name + "." + version)
}

// ParseTypeTag splits a TypeTag into namespace, name and schema version. The
// namespace may itself contain dots
func ParseTypeTag(tag TypeTag) (namespace, name, version string, err error) {
	s := string(tag)
	last := strings.LastIndex(s, ".")
	if last <= 0 {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedTypeTag, s)
	}
	version = s[last+1:]
	rest := s[:last]
	mid := strings.LastIndex(rest, ".")
	if mid <= 0 || mid == len(rest)-1 || !isSchemaVersion(version) {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedTypeTag, s)
	}
	return rest[:mid], rest[mid+1:], version, nil
}

// Namespace returns the owning namespace of the tag, or "" if malformed
func (t TypeTag) Namespace() string {
	ns, _, _, _ := ParseTypeTag(t)
	return ns
}

// Name returns the message class name of the tag, or "" if malformed
func (t TypeTag) Name() string {
	_, name, _, _ := ParseTypeTag(t)
	return name
}

// Version returns the schema version of the tag, defaulting to
// DefaultSchemaVersion when the tag is malformed
func (t TypeTag) Version() string {
	if _, _, v, err := ParseTypeTag(t); err == nil {
		return v
	}
	return DefaultSchemaVersion
}

func isSchemaVersion(v string) bool {
	digits, ok := strings.CutPrefix(v, "v")
	if !ok || digits == "" {
		return false
	}
	_, err := strconv.ParseUint(digits, 10, 32)
	return err == nil
}

// NewSequenceID formats a SequenceID from a commit version and a 1-based
// index within that commit
func NewSequenceID(version int64, index int) SequenceID {
	return SequenceID(
		strconv.FormatInt(version, 10) + "." + strconv.Itoa(index),
	)
}

// Parse returns the commit version and index encoded in the SequenceID
func (s SequenceID) Parse() (int64, int, error) {
	v, i, ok := strings.Cut(string(s), ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSequenceID, string(s))
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSequenceID, string(s))
	}
	index, err := strconv.Atoi(i)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSequenceID, string(s))
	}
	return version, index, nil
}

// Less compares SequenceIDs numerically. Malformed ids sort first
func (s SequenceID) Less(other SequenceID) bool {
	av, ai, aerr := s.Parse()
	bv, bi, berr := other.Parse()
	switch {
	case aerr != nil:
		return berr == nil
	case berr != nil:
		return false
	case av != bv:
		return av < bv
	default:
		return ai < bi
	}
}

// String returns "event" or "command"
func (k MessageKind) String() string {
	if k == CommandKind {
		return commandKindName
	}
	return eventKindName
}

// MarshalText implements encoding.TextMarshaler
func (k MessageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *MessageKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case eventKindName, "":
		*k = EventKind
	case commandKindName:
		*k = CommandKind
	default:
		return fmt.Errorf("unknown message kind: %q", string(b))
	}
	return nil
}

// Clone returns a shallow copy of the message. Data is shared and must be
// treated as immutable
func (m *Message) Clone() *Message {
	res := *m
	return &res
}

// Decode unmarshals the message payload into target
func (m *Message) Decode(target any) error {
	return json.Unmarshal(m.Data, target)
}

func cloneMessages(msgs []*Message) []*Message {
	res := make([]*Message, len(msgs))
	for i, m := range msgs {
		res[i] = m.Clone()
	}
	return res
}
