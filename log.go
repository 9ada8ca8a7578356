package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type (
	// ExpectedVersion is the stream tail a writer believes it is appending
	// after. NoStream means the stream must not exist yet
	ExpectedVersion int64

	// EventLog is durable, ordered, append-only storage for messages with
	// optimistic concurrency on every stream
	EventLog interface {
		// Append atomically checks that the stream's tail equals expected
		// and appends msgs at consecutive positions after it
		Append(
			ctx context.Context, stream string, expected ExpectedVersion,
			msgs []*Message,
		) (*AppendResult, error)

		// Read returns messages of a stream with Position >= from, or of a
		// category (or AllStream) with GlobalPosition >= from in global
		// commit order. A limit <= 0 returns everything
		Read(
			ctx context.Context, streamOrCategory string, from int64, limit int,
		) ([]*Message, error)

		// ReadLast returns the last message of a stream, or nil if the
		// stream is empty
		ReadLast(ctx context.Context, stream string) (*Message, error)
	}

	// BatchAppender is implemented by logs that can append to several
	// streams as one all-or-nothing operation
	BatchAppender interface {
		AppendBatch(
			ctx context.Context, reqs []AppendRequest,
		) ([]*AppendResult, error)
	}

	// AppendRequest is one stream's share of a batch append
	AppendRequest struct {
		Stream   string
		Messages []*Message
		Expected ExpectedVersion
	}

	// AppendResult reports the committed messages of one stream with their
	// assigned positions
	AppendResult struct {
		Stream   string
		Messages []*Message
		Tail     int64
	}
)

// NoStream expects the stream to be empty
const NoStream ExpectedVersion = -1

// Exact expects the stream's last message to be at position pos
func Exact(pos int64) ExpectedVersion {
	return ExpectedVersion(pos)
}

// ExpectTail expects the stream's tail to be pos, where -1 means no stream
func ExpectTail(pos int64) ExpectedVersion {
	if pos < 0 {
		return NoStream
	}
	return ExpectedVersion(pos)
}

func (v ExpectedVersion) String() string {
	if v < 0 {
		return "no stream"
	}
	return strconv.FormatInt(int64(v), 10)
}

// Positions returns the positions assigned to the appended messages
func (r *AppendResult) Positions() []int64 {
	res := make([]int64, len(r.Messages))
	for i, m := range r.Messages {
		res[i] = m.Position
	}
	return res
}

// AppendAll appends every request through log. Logs implementing
// BatchAppender commit all requests atomically. Other logs are appended to
// one stream at a time, and a failure after the first stream is returned as
// a *CommitError naming the streams already written
func AppendAll(
	ctx context.Context, log EventLog, reqs []AppendRequest,
) ([]*AppendResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if b, ok := log.(BatchAppender); ok {
		return b.AppendBatch(ctx, reqs)
	}
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}

	res := make([]*AppendResult, 0, len(reqs))
	var appended []string
	for _, req := range reqs {
		r, err := log.Append(ctx, req.Stream, req.Expected, req.Messages)
		if err != nil {
			if len(appended) == 0 {
				return nil, err
			}
			return res, &CommitError{Appended: appended, Err: err}
		}
		res = append(res, r)
		appended = append(appended, req.Stream)
	}
	return res, nil
}

func checkRequests(reqs []AppendRequest) error {
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if err := checkRequest(req.Stream, req.Messages); err != nil {
			return err
		}
		if seen[req.Stream] {
			return fmt.Errorf("%w: %q appears twice in batch",
				ErrInvalidStream, req.Stream)
		}
		seen[req.Stream] = true
	}
	return nil
}

func checkRequest(stream string, msgs []*Message) error {
	if err := checkStreamName(stream); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return ErrNoMessages
	}
	return nil
}

func checkExpected(stream string, expected ExpectedVersion, tail int64) error {
	if int64(expected) == tail || (expected < 0 && tail < 0) {
		return nil
	}
	return &ConcurrencyConflictError{
		Stream:   stream,
		Expected: expected,
		Actual:   tail,
	}
}

// positioned returns copies of msgs addressed to stream at consecutive
// positions following expected. Ids are always derived from the position and
// missing sequence ids are derived from it as well
func positioned(
	stream string, expected ExpectedVersion, msgs []*Message,
) []*Message {
	first := int64(expected) + 1
	if expected < 0 {
		first = 0
	}
	now := time.Now()
	res := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := m.Clone()
		c.Stream = stream
		c.Position = first + int64(i)
		c.GlobalPosition = 0
		c.Metadata.ID = messageID(stream, c.Position)
		if c.Metadata.SequenceID == "" {
			c.Metadata.SequenceID = NewSequenceID(c.Position, 1)
		}
		if c.Metadata.Version == "" {
			c.Metadata.Version = c.Type.Version()
		}
		if c.Metadata.Timestamp.IsZero() {
			c.Metadata.Timestamp = now
		}
		res[i] = c
	}
	return res
}

func tailOf(msgs []*Message) int64 {
	if len(msgs) == 0 {
		return -1
	}
	return msgs[len(msgs)-1].Position
}

func limitSlice(msgs []*Message, limit int) []*Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

// IsConflict reports whether err is a concurrency conflict that left the log
// unchanged and may be retried with freshly loaded state
func IsConflict(err error) bool {
	var ce *CommitError
	if errors.As(err, &ce) {
		return false
	}
	return errors.Is(err, ErrConcurrencyConflict)
}
