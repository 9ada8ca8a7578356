package ledger

import "encoding/json"

// Fold applies msgs to state in order through the appliers
func Fold[T any](apps Appliers[T], state T, msgs []*Message) T {
	for _, msg := range msgs {
		if apply, ok := apps[msg.Type]; ok {
			state = apply(state, msg)
		}
	}
	return state
}

// Replay reconstructs an aggregate from the ordered history of its event
// stream. Its position becomes that of the last message and its version is
// restored from the last message's SequenceID
func Replay[T any](
	reg *Registry, kind *Kind, id string, apps Appliers[T], init T,
	msgs []*Message,
) *Aggregator[T] {
	ag := NewAggregator(reg, kind, id, apps, init)
	ag.Advance(msgs)
	return ag
}

// FromSnapshot reconstructs an aggregate from a snapshot followed by the
// messages appended after it
func FromSnapshot[T any](
	reg *Registry, kind *Kind, id string, apps Appliers[T], init T,
	snap *Snapshot, msgs []*Message,
) (*Aggregator[T], error) {
	state, err := decodeState(snap.State, init)
	if err != nil {
		return nil, err
	}
	ag := newAggregator(
		reg, kind, id, apps, state, snap.Version, snap.Position,
	)
	ag.Advance(msgs)
	return ag, nil
}

// Advance folds committed messages into the aggregate, moving its position
// and version forward. It must not be called with pending messages
func (a *Aggregator[T]) Advance(msgs []*Message) {
	for _, msg := range msgs {
		a.Apply(msg)
		a.position = msg.Position
		if v, _, err := msg.Metadata.SequenceID.Parse(); err == nil {
			a.version = v + 1
		}
	}
}

func decodeState[T any](data json.RawMessage, init T) (T, error) {
	res := init
	if len(data) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return init, err
	}
	return res, nil
}
