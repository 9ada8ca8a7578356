package ledger

import (
	"context"
	"encoding/json"
	"sync"
)

type (
	// Provider stores the state of aggregates that are not event-sourced.
	// Save writes rec only if the stored version equals expected, where 0
	// means the record must not exist yet
	Provider interface {
		Save(ctx context.Context, rec *StateRecord, expected int64) error
		Load(ctx context.Context, category, id string) (*StateRecord, error)
		Delete(ctx context.Context, category, id string) error
	}

	// BatchProvider is implemented by providers that can apply several
	// writes as one transaction
	BatchProvider interface {
		ApplyBatch(ctx context.Context, ops []StateOp) error
	}

	// StateOp is one write a UnitOfWork makes to a Provider. Expected is the
	// version the stored record must have
	StateOp struct {
		Record   *StateRecord
		Category string
		ID       string
		Expected int64
		Delete   bool
	}

	// StateRecord is the stored form of a state-stored aggregate. Position
	// is the tail of the aggregate's event stream at the time of the save
	StateRecord struct {
		Category string          `json:"category"`
		ID       string          `json:"id"`
		Data     json.RawMessage `json:"data"`
		Version  int64           `json:"version"`
		Position int64           `json:"position"`
	}

	// MemoryProvider is a Provider held in process memory
	MemoryProvider struct {
		records map[recordKey]*StateRecord
		mu      sync.RWMutex
	}

	recordKey struct {
		category string
		id       string
	}
)

var (
	_ Provider      = (*MemoryProvider)(nil)
	_ BatchProvider = (*MemoryProvider)(nil)
)

// ApplyStateOps writes ops through p, as one transaction when p implements
// BatchProvider and one at a time otherwise
func ApplyStateOps(ctx context.Context, p Provider, ops []StateOp) error {
	if b, ok := p.(BatchProvider); ok {
		return b.ApplyBatch(ctx, ops)
	}
	for _, op := range ops {
		var err error
		if op.Delete {
			err = p.Delete(ctx, op.Category, op.ID)
		} else {
			err = p.Save(ctx, op.Record, op.Expected)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// NewMemoryProvider returns an empty MemoryProvider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		records: map[recordKey]*StateRecord{},
	}
}

// Save implements Provider
func (p *MemoryProvider) Save(
	_ context.Context, rec *StateRecord, expected int64,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey{category: rec.Category, id: rec.ID}
	if err := checkRecordVersion(rec, p.records[key], expected); err != nil {
		return err
	}
	c := *rec
	p.records[key] = &c
	return nil
}

// ApplyBatch implements BatchProvider. Every version is checked before
// anything is written
func (p *MemoryProvider) ApplyBatch(_ context.Context, ops []StateOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, op := range ops {
		key := recordKey{category: op.Category, id: op.ID}
		if op.Delete {
			continue
		}
		err := checkRecordVersion(op.Record, p.records[key], op.Expected)
		if err != nil {
			return err
		}
	}
	for _, op := range ops {
		key := recordKey{category: op.Category, id: op.ID}
		if op.Delete {
			delete(p.records, key)
			continue
		}
		c := *op.Record
		p.records[key] = &c
	}
	return nil
}

// Load implements Provider
func (p *MemoryProvider) Load(
	_ context.Context, category, id string,
) (*StateRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[recordKey{category: category, id: id}]
	if !ok {
		return nil, &NotFoundError{Category: category, ID: id}
	}
	c := *rec
	return &c, nil
}

// Delete implements Provider
func (p *MemoryProvider) Delete(_ context.Context, category, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, recordKey{category: category, id: id})
	return nil
}

func checkRecordVersion(rec, stored *StateRecord, expected int64) error {
	var actual int64
	if stored != nil {
		actual = stored.Version
	}
	if actual == expected {
		return nil
	}
	return &ConcurrencyConflictError{
		Stream:   EventStream(rec.Category, rec.ID),
		Expected: ExpectedVersion(expected),
		Actual:   actual,
	}
}
