package ledger

import "encoding/json"

type (
	// Applier is a pure state transition for one message type. It must not
	// read the clock or any other source of nondeterminism
	Applier[T any] func(T, *Message) T

	// Appliers maps each message type an aggregate understands to its
	// Applier. Types without an entry are ignored
	Appliers[T any] map[TypeTag]Applier[T]
)

// MakeApplier adapts a function taking a decoded payload. Payloads that fail
// to decode leave the state unchanged
func MakeApplier[T, Data any](fn func(T, *Message, Data) T) Applier[T] {
	return func(val T, msg *Message) T {
		var data Data
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return val
		}
		return fn(val, msg, data)
	}
}
