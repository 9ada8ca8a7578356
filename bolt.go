package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

type (
	// BoltLog is an EventLog kept in a single bbolt file. Each batch is
	// committed in one write transaction
	BoltLog struct {
		db *bolt.DB
	}

	// BoltProvider is a Provider sharing a BoltLog's file
	BoltProvider struct {
		db *bolt.DB
	}

	// BoltCheckpointStore is a CheckpointStore sharing a BoltLog's file
	BoltCheckpointStore struct {
		db *bolt.DB
	}

	// BoltSnapshotStore is a SnapshotStore sharing a BoltLog's file
	BoltSnapshotStore struct {
		db *bolt.DB
	}
)

var (
	streamsBucket     = []byte("streams")
	categoriesBucket  = []byte("categories")
	allBucket         = []byte("all")
	stateBucket       = []byte("state")
	checkpointsBucket = []byte("checkpoints")
	snapshotsBucket   = []byte("snapshots")

	boltBuckets = [][]byte{
		streamsBucket, categoriesBucket, allBucket,
		stateBucket, checkpointsBucket, snapshotsBucket,
	}
)

var (
	_ EventLog        = (*BoltLog)(nil)
	_ BatchAppender   = (*BoltLog)(nil)
	_ Provider        = (*BoltProvider)(nil)
	_ BatchProvider   = (*BoltProvider)(nil)
	_ CheckpointStore = (*BoltCheckpointStore)(nil)
	_ SnapshotStore   = (*BoltSnapshotStore)(nil)
)

// OpenBolt opens (or creates) the configured bbolt file and its buckets
func OpenBolt(cfg BoltConfig) (*bolt.DB, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultBoltPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBoltTimeout
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewBoltLog returns a BoltLog over a database opened with OpenBolt
func NewBoltLog(db *bolt.DB) *BoltLog {
	return &BoltLog{db: db}
}

// Append implements EventLog
func (l *BoltLog) Append(
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
func (l *BoltLog) AppendBatch(
	ctx context.Context, reqs []AppendRequest,
) ([]*AppendResult, error) {
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res []*AppendResult
	err := l.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(streamsBucket)
		for _, req := range reqs {
			if err := boltCheckTail(streams, req); err != nil {
				return err
			}
		}

		res = make([]*AppendResult, len(reqs))
		for i, req := range reqs {
			msgs := positioned(req.Stream, req.Expected, req.Messages)
			if err := boltPutMessages(tx, req.Stream, msgs); err != nil {
				return err
			}
			res[i] = &AppendResult{
				Stream:   req.Stream,
				Tail:     tailOf(msgs),
				Messages: msgs,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func boltCheckTail(streams *bolt.Bucket, req AppendRequest) error {
	tail := int64(-1)
	b := streams.Bucket([]byte(req.Stream))
	if b != nil {
		if k, _ := b.Cursor().Last(); k != nil {
			tail = btoi(k)
		}
	}
	err := checkExpected(req.Stream, req.Expected, tail)
	if err == nil {
		return nil
	}
	conflict := err.(*ConcurrencyConflictError)
	if from := int64(req.Expected) + 1; b != nil && from <= tail {
		missed, err := boltScan(b, max(from, 0), 0)
		if err != nil {
			return err
		}
		conflict.Missed = missed
	}
	return conflict
}

func boltPutMessages(tx *bolt.Tx, stream string, msgs []*Message) error {
	sb, err := tx.Bucket(streamsBucket).CreateBucketIfNotExists([]byte(stream))
	if err != nil {
		return err
	}
	cb, err := tx.Bucket(categoriesBucket).CreateBucketIfNotExists(
		[]byte(CategoryOf(stream)),
	)
	if err != nil {
		return err
	}
	all := tx.Bucket(allBucket)

	for _, m := range msgs {
		seq, err := all.NextSequence()
		if err != nil {
			return err
		}
		m.GlobalPosition = int64(seq)
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		g := itob(m.GlobalPosition)
		if err := sb.Put(itob(m.Position), data); err != nil {
			return err
		}
		if err := cb.Put(g, data); err != nil {
			return err
		}
		if err := all.Put(g, data); err != nil {
			return err
		}
	}
	return nil
}

// Read implements EventLog
func (l *BoltLog) Read(
	_ context.Context, name string, from int64, limit int,
) ([]*Message, error) {
	res := []*Message{}
	err := l.db.View(func(tx *bolt.Tx) error {
		var b *bolt.Bucket
		start := max(from, 0)
		switch {
		case name == AllStream:
			b = tx.Bucket(allBucket)
			start = max(from, 1)
		case IsCategory(name):
			b = tx.Bucket(categoriesBucket).Bucket([]byte(name))
			start = max(from, 1)
		default:
			b = tx.Bucket(streamsBucket).Bucket([]byte(name))
		}
		if b == nil {
			return nil
		}
		msgs, err := boltScan(b, start, limit)
		res = msgs
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReadLast implements EventLog
func (l *BoltLog) ReadLast(
	_ context.Context, stream string,
) (*Message, error) {
	var res *Message
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(streamsBucket).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return nil
		}
		res = &Message{}
		return json.Unmarshal(v, res)
	})
	return res, err
}

// Close closes the underlying database
func (l *BoltLog) Close() error {
	return l.db.Close()
}

func boltScan(b *bolt.Bucket, from int64, limit int) ([]*Message, error) {
	res := []*Message{}
	c := b.Cursor()
	for k, v := c.Seek(itob(from)); k != nil; k, v = c.Next() {
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return nil, err
		}
		res = append(res, &msg)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// NewBoltProvider returns a BoltProvider over a database opened with
// OpenBolt
func NewBoltProvider(db *bolt.DB) *BoltProvider {
	return &BoltProvider{db: db}
}

// Save implements Provider
func (p *BoltProvider) Save(
	ctx context.Context, rec *StateRecord, expected int64,
) error {
	return p.ApplyBatch(ctx, []StateOp{{
		Record:   rec,
		Category: rec.Category,
		ID:       rec.ID,
		Expected: expected,
	}})
}

// ApplyBatch implements BatchProvider
func (p *BoltProvider) ApplyBatch(ctx context.Context, ops []StateOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		state := tx.Bucket(stateBucket)
		for _, op := range ops {
			b, err := state.CreateBucketIfNotExists([]byte(op.Category))
			if err != nil {
				return err
			}
			if op.Delete {
				if err := b.Delete([]byte(op.ID)); err != nil {
					return err
				}
				continue
			}
			stored, err := boltRecord(b, op.ID)
			if err != nil {
				return err
			}
			err = checkRecordVersion(op.Record, stored, op.Expected)
			if err != nil {
				return err
			}
			data, err := json.Marshal(op.Record)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(op.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load implements Provider
func (p *BoltProvider) Load(
	_ context.Context, category, id string,
) (*StateRecord, error) {
	var rec *StateRecord
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket).Bucket([]byte(category))
		if b == nil {
			return nil
		}
		var err error
		rec, err = boltRecord(b, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{Category: category, ID: id}
	}
	return rec, nil
}

// Delete implements Provider
func (p *BoltProvider) Delete(ctx context.Context, category, id string) error {
	return p.ApplyBatch(ctx, []StateOp{{
		Category: category,
		ID:       id,
		Delete:   true,
	}})
}

func boltRecord(b *bolt.Bucket, id string) (*StateRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var rec StateRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// NewBoltCheckpointStore returns a BoltCheckpointStore over a database
// opened with OpenBolt
func NewBoltCheckpointStore(db *bolt.DB) *BoltCheckpointStore {
	return &BoltCheckpointStore{db: db}
}

// Load implements CheckpointStore
func (s *BoltCheckpointStore) Load(
	_ context.Context, name string,
) (int64, error) {
	var pos int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checkpointsBucket).Get([]byte(name)); v != nil {
			pos = btoi(v)
		}
		return nil
	})
	return pos, err
}

// Save implements CheckpointStore
func (s *BoltCheckpointStore) Save(
	_ context.Context, name string, pos int64,
) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put([]byte(name), itob(pos))
	})
}

// NewBoltSnapshotStore returns a BoltSnapshotStore over a database opened
// with OpenBolt
func NewBoltSnapshotStore(db *bolt.DB) *BoltSnapshotStore {
	return &BoltSnapshotStore{db: db}
}

// Put implements SnapshotStore. A snapshot older than the stored one is
// ignored
func (s *BoltSnapshotStore) Put(_ context.Context, snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		key := []byte(snap.Stream)
		stored, err := boltSnapshot(b, key)
		if err != nil {
			return err
		}
		if stored != nil && snap.Position <= stored.Position {
			return nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Get implements SnapshotStore
func (s *BoltSnapshotStore) Get(
	_ context.Context, stream string,
) (*Snapshot, error) {
	var res *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		res, err = boltSnapshot(tx.Bucket(snapshotsBucket), []byte(stream))
		return err
	})
	return res, err
}

func boltSnapshot(b *bolt.Bucket, key []byte) (*Snapshot, error) {
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
