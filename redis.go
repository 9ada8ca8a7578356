package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisLog is an EventLog stored in Redis. Each stream is a list, and
	// each category and the global stream are sorted sets scored by global
	// position. Appends run as one Lua script, so batches are atomic
	RedisLog struct {
		client      redis.Scripter
		reader      redis.Cmdable
		prefix      string
		appendBatch *redis.Script
	}

	// RedisSnapshotStore is a SnapshotStore stored in Redis
	RedisSnapshotStore struct {
		client      redis.Cmdable
		prefix      string
		putSnapshot *redis.Script
	}

	// RedisCheckpointStore is a CheckpointStore kept in one Redis hash
	RedisCheckpointStore struct {
		client redis.Cmdable
		key    string
	}
)

const (
	streamKeyPart     = ":stream:"
	categoryKeyPart   = ":category:"
	snapshotKeyPart   = ":snapshot:"
	allKeySuffix      = ":all"
	globalKeySuffix   = ":global"
	checkpointsSuffix = ":checkpoints"
	positionSuffix    = ":pos"
)

var (
	_ EventLog        = (*RedisLog)(nil)
	_ BatchAppender   = (*RedisLog)(nil)
	_ SnapshotStore   = (*RedisSnapshotStore)(nil)
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
)

// NewRedisClient connects to the configured server and verifies the
// connection
func NewRedisClient(
	ctx context.Context, cfg RedisConfig,
) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, DefaultRedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisLog returns a RedisLog storing its keys under prefix
func NewRedisLog(client *redis.Client, prefix string) *RedisLog {
	return &RedisLog{
		client:      client,
		reader:      client,
		prefix:      prefix,
		appendBatch: redis.NewScript(luaAppendBatch),
	}
}

// Append implements EventLog
func (l *RedisLog) Append(
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
func (l *RedisLog) AppendBatch(
	ctx context.Context, reqs []AppendRequest,
) ([]*AppendResult, error) {
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}

	keys := []string{l.prefix + globalKeySuffix, l.prefix + allKeySuffix}
	args := []any{len(reqs)}
	batches := make([][]*Message, len(reqs))

	for i, req := range reqs {
		msgs := positioned(req.Stream, req.Expected, req.Messages)
		batches[i] = msgs
		keys = append(keys,
			l.streamKey(req.Stream), l.categoryKey(CategoryOf(req.Stream)),
		)
		args = append(args, max(int64(req.Expected), -1), len(msgs))
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			args = append(args, string(data))
		}
	}

	result, err := l.appendBatch.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return nil, ErrUnexpectedLuaResult
	}
	if success, _ := res[0].(int64); success == 0 {
		return nil, l.conflict(reqs, res)
	}

	g, ok := res[1].(int64)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	out := make([]*AppendResult, len(reqs))
	for i, req := range reqs {
		for _, m := range batches[i] {
			m.GlobalPosition = g
			g++
		}
		out[i] = &AppendResult{
			Stream:   req.Stream,
			Tail:     tailOf(batches[i]),
			Messages: batches[i],
		}
	}
	return out, nil
}

func (l *RedisLog) conflict(reqs []AppendRequest, res []any) error {
	if len(res) < 4 {
		return ErrUnexpectedLuaResult
	}
	idx, ok1 := res[1].(int64)
	tail, ok2 := res[2].(int64)
	raw, ok3 := res[3].([]any)
	if !ok1 || !ok2 || !ok3 || idx < 1 || int(idx) > len(reqs) {
		return ErrUnexpectedLuaResult
	}
	missed, err := decodeMessages(raw)
	if err != nil {
		return err
	}
	req := reqs[idx-1]
	return &ConcurrencyConflictError{
		Stream:   req.Stream,
		Expected: req.Expected,
		Actual:   tail,
		Missed:   missed,
	}
}

// Read implements EventLog
func (l *RedisLog) Read(
	ctx context.Context, name string, from int64, limit int,
) ([]*Message, error) {
	if IsCategory(name) {
		key := l.categoryKey(name)
		if name == AllStream {
			key = l.prefix + allKeySuffix
		}
		raw, err := l.reader.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   strconv.FormatInt(max(from, 1), 10),
			Max:   "+inf",
			Count: int64(max(limit, 0)),
		}).Result()
		if err != nil {
			return nil, err
		}
		return decodeStrings(raw)
	}

	start := max(from, 0)
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}
	raw, err := l.reader.LRange(ctx, l.streamKey(name), start, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeStrings(raw)
}

// ReadLast implements EventLog
func (l *RedisLog) ReadLast(
	ctx context.Context, stream string,
) (*Message, error) {
	raw, err := l.reader.LIndex(ctx, l.streamKey(stream), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (l *RedisLog) streamKey(stream string) string {
	return l.prefix + streamKeyPart + stream
}

func (l *RedisLog) categoryKey(cat string) string {
	return l.prefix + categoryKeyPart + cat
}

// NewRedisSnapshotStore returns a RedisSnapshotStore storing its keys under
// prefix
func NewRedisSnapshotStore(
	client *redis.Client, prefix string,
) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client:      client,
		prefix:      prefix,
		putSnapshot: redis.NewScript(luaPutSnapshot),
	}
}

// Put implements SnapshotStore
func (s *RedisSnapshotStore) Put(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := s.key(snap.Stream)
	keys := []string{key, key + positionSuffix}
	return s.putSnapshot.Run(
		ctx, s.client, keys, string(data), snap.Position,
	).Err()
}

// Get implements SnapshotStore
func (s *RedisSnapshotStore) Get(
	ctx context.Context, stream string,
) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(stream)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) key(stream string) string {
	return s.prefix + snapshotKeyPart + stream
}

// NewRedisCheckpointStore returns a RedisCheckpointStore keeping positions
// in a hash under prefix
func NewRedisCheckpointStore(
	client *redis.Client, prefix string,
) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		client: client,
		key:    prefix + checkpointsSuffix,
	}
}

// Load implements CheckpointStore
func (s *RedisCheckpointStore) Load(
	ctx context.Context, name string,
) (int64, error) {
	pos, err := s.client.HGet(ctx, s.key, name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return pos, err
}

// Save implements CheckpointStore
func (s *RedisCheckpointStore) Save(
	ctx context.Context, name string, pos int64,
) error {
	return s.client.HSet(ctx, s.key, name, pos).Err()
}

func decodeStrings(raw []string) ([]*Message, error) {
	res := make([]*Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			return nil, err
		}
		res = append(res, &msg)
	}
	return res, nil
}

func decodeMessages(raw []any) ([]*Message, error) {
	strs := make([]string, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		strs = append(strs, s)
	}
	return decodeStrings(strs)
}
