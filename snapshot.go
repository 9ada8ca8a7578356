package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// Snapshot is a materialized aggregate state as of a stream position. It
	// is never authoritative: messages after Position are always replayed
	Snapshot struct {
		Stream   string          `json:"stream"`
		State    json.RawMessage `json:"state"`
		Position int64           `json:"position"`
		Version  int64           `json:"version"`
	}

	// SnapshotStore persists the latest Snapshot of each stream. Put keeps
	// whichever snapshot has the higher position
	SnapshotStore interface {
		Put(ctx context.Context, snap *Snapshot) error

		// Get returns the stored snapshot, or nil if there is none
		Get(ctx context.Context, stream string) (*Snapshot, error)
	}

	// MemorySnapshotStore is a SnapshotStore held in process memory
	MemorySnapshotStore struct {
		snaps map[string]*Snapshot
		mu    sync.RWMutex
	}

	// SnapshotWorker saves snapshots in the background through a bounded
	// queue. Requests that don't fit in the queue are dropped
	SnapshotWorker struct {
		store  SnapshotStore
		logger *zap.Logger
		ctx    context.Context
		queue  chan *Snapshot
		cancel context.CancelFunc
		config SnapshotConfig
		wg     sync.WaitGroup
	}
)

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore returns an empty MemorySnapshotStore
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snaps: map[string]*Snapshot{},
	}
}

// Put implements SnapshotStore
func (s *MemorySnapshotStore) Put(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snaps[snap.Stream]; ok && cur.Position >= snap.Position {
		return nil
	}
	c := *snap
	s.snaps[snap.Stream] = &c
	return nil
}

// Get implements SnapshotStore
func (s *MemorySnapshotStore) Get(
	_ context.Context, stream string,
) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap, ok := s.snaps[stream]; ok {
		c := *snap
		return &c, nil
	}
	return nil, nil
}

// NewSnapshotWorker starts the configured number of workers saving to store
func NewSnapshotWorker(
	store SnapshotStore, cfg SnapshotConfig, logger *zap.Logger,
) *SnapshotWorker {
	def := DefaultSnapshotConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sw := &SnapshotWorker{
		store:  store,
		logger: logger.Named("snapshot"),
		config: cfg,
		queue:  make(chan *Snapshot, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range cfg.WorkerCount {
		sw.wg.Add(1)
		go sw.worker(i)
	}
	return sw
}

func (sw *SnapshotWorker) worker(id int) {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case snap := <-sw.queue:
			sw.save(id, snap)
		}
	}
}

func (sw *SnapshotWorker) save(workerID int, snap *Snapshot) {
	ctx := sw.ctx
	if sw.config.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(sw.ctx, sw.config.SaveTimeout)
		defer cancel()
	}

	start := time.Now()
	err := sw.store.Put(ctx, snap)
	duration := time.Since(start)

	if err != nil {
		sw.logger.Error("failed to save snapshot",
			zap.Int("worker_id", workerID),
			zap.String("stream", snap.Stream),
			zap.Int64("position", snap.Position),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	sw.logger.Debug("snapshot saved",
		zap.Int("worker_id", workerID),
		zap.String("stream", snap.Stream),
		zap.Int64("position", snap.Position),
		zap.Duration("duration", duration),
	)
}

// Enqueue schedules snap to be saved, reporting false if the queue was full
func (sw *SnapshotWorker) Enqueue(snap *Snapshot) bool {
	select {
	case sw.queue <- snap:
		return true
	default:
		sw.logger.Warn("snapshot queue full, dropping request",
			zap.String("stream", snap.Stream),
			zap.Int64("position", snap.Position),
			zap.Int("queue_size", len(sw.queue)),
		)
		return false
	}
}

// Stop cancels pending saves and waits for the workers to exit
func (sw *SnapshotWorker) Stop() {
	sw.cancel()
	sw.wg.Wait()
}

// TakeSnapshot captures the committed state of ag. It fails if ag has
// pending messages
func TakeSnapshot[T any](ag *Aggregator[T]) (*Snapshot, error) {
	if len(ag.pending) > 0 {
		return nil, ErrPendingMessages
	}
	data, err := json.Marshal(ag.value)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Stream:   ag.Stream(),
		State:    data,
		Position: ag.position,
		Version:  ag.version,
	}, nil
}
