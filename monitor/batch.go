package monitor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntityMutation is one change to a portal entity. RowVersion carries the
// last value read from the portal; the synchronization endpoint rejects the
// whole batch with a conflict when any mutation's rowVersion is stale.
type EntityMutation struct {
	Entity     string         `json:"entity"`
	Action     string         `json:"action"` // insert, update, delete
	RowVersion int64          `json:"rowVersion,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// SyncBatch is the unit submitted to the synchronization endpoint.
type SyncBatch struct {
	RequestID     string           `json:"requestId"`
	ApplicationID string           `json:"applicationId"`
	Year          int              `json:"year"`
	Mutations     []EntityMutation `json:"mutations"`
}

// BatchBuilder assembles sync batches for one application. Each batch gets a
// ULID request id so retries and conflict reports can be correlated.
type BatchBuilder struct {
	applicationID string
	year          int

	mu        sync.Mutex
	entropy   *rand.Rand
	mutations []EntityMutation
}

func NewBatchBuilder(applicationID string, year int) *BatchBuilder {
	return &BatchBuilder{
		applicationID: applicationID,
		year:          year,
		entropy:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *BatchBuilder) Insert(entity string, fields map[string]any) *BatchBuilder {
	return b.add(EntityMutation{Entity: entity, Action: "insert", Fields: fields})
}

func (b *BatchBuilder) Update(entity string, rowVersion int64, fields map[string]any) *BatchBuilder {
	return b.add(EntityMutation{Entity: entity, Action: "update", RowVersion: rowVersion, Fields: fields})
}

func (b *BatchBuilder) Delete(entity string, rowVersion int64) *BatchBuilder {
	return b.add(EntityMutation{Entity: entity, Action: "delete", RowVersion: rowVersion})
}

func (b *BatchBuilder) add(m EntityMutation) *BatchBuilder {
	b.mu.Lock()
	b.mutations = append(b.mutations, m)
	b.mu.Unlock()
	return b
}

func (b *BatchBuilder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mutations)
}

// Build returns the assembled batch and resets the builder for the next one.
func (b *BatchBuilder) Build() SyncBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := SyncBatch{
		RequestID:     ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String(),
		ApplicationID: b.applicationID,
		Year:          b.year,
		Mutations:     b.mutations,
	}
	b.mutations = nil
	return batch
}
