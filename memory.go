package ledger

import (
	"context"
	"sync"
)

// MemoryLog is an EventLog held entirely in process memory. Every append,
// including batches, is serialized through a single lock
type MemoryLog struct {
	streams map[string][]*Message
	all     []*Message
	mu      sync.RWMutex
}

var (
	_ EventLog      = (*MemoryLog)(nil)
	_ BatchAppender = (*MemoryLog)(nil)
)

// NewMemoryLog returns an empty MemoryLog
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: map[string][]*Message{},
	}
}

// Append implements EventLog
func (l *MemoryLog) Append(
	ctx context.Context, stream string, expected ExpectedVersion,
	msgs []*Message,
) (*AppendResult, error) {
	res, err := l.AppendBatch(ctx, []AppendRequest{{
		Stream:   stream,
		Expected: expected,
		Messages: msgs,
	}})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// AppendBatch implements BatchAppender
func (l *MemoryLog) AppendBatch(
	ctx context.Context, reqs []AppendRequest,
) ([]*AppendResult, error) {
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, req := range reqs {
		current := l.streams[req.Stream]
		tail := tailOf(current)
		if err := checkExpected(req.Stream, req.Expected, tail); err != nil {
			conflict := err.(*ConcurrencyConflictError)
			if from := int64(req.Expected) + 1; from <= tail {
				conflict.Missed = cloneMessages(current[max(from, 0):])
			}
			return nil, conflict
		}
	}

	res := make([]*AppendResult, len(reqs))
	for i, req := range reqs {
		msgs := positioned(req.Stream, req.Expected, req.Messages)
		for _, m := range msgs {
			m.GlobalPosition = int64(len(l.all)) + 1
			l.all = append(l.all, m)
		}
		l.streams[req.Stream] = append(l.streams[req.Stream], msgs...)
		res[i] = &AppendResult{
			Stream:   req.Stream,
			Tail:     tailOf(msgs),
			Messages: cloneMessages(msgs),
		}
	}
	return res, nil
}

// Read implements EventLog
func (l *MemoryLog) Read(
	_ context.Context, name string, from int64, limit int,
) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !IsCategory(name) {
		msgs := l.streams[name]
		start := min(max(from, 0), int64(len(msgs)))
		return cloneMessages(limitSlice(msgs[start:], limit)), nil
	}

	res := []*Message{}
	start := min(max(from-1, 0), int64(len(l.all)))
	for _, m := range l.all[start:] {
		if name != AllStream && CategoryOf(m.Stream) != name {
			continue
		}
		res = append(res, m.Clone())
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// ReadLast implements EventLog
func (l *MemoryLog) ReadLast(
	_ context.Context, stream string,
) (*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.streams[stream]
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1].Clone(), nil
}

// Close implements io.Closer
func (l *MemoryLog) Close() error {
	return nil
}
