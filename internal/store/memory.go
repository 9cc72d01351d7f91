package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studentpunch/internal/checkin"
)

// Memory keeps check-ins in process. It is used for local runs and tests.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     uint64
	records []memoryRecord
}

type memoryRecord struct {
	record checkin.Record
	seq    uint64
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// WithClock replaces the write clock. Intended for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Memory) Append(ctx context.Context, input checkin.RecordInput) (checkin.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return checkin.Receipt{}, err
	}
	if input.UserID == "" {
		return checkin.Receipt{}, errors.New("user_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	rec := checkin.Record{
		ID:         uuid.NewString(),
		UserID:     input.UserID,
		Email:      cloneString(input.Email),
		Timestamp:  m.now().UTC(),
		Latitude:   input.Latitude,
		Longitude:  input.Longitude,
		Address:    cloneString(input.Address),
		ImageRef:   cloneString(input.ImageRef),
		CapturedAt: input.CapturedAt,
	}
	m.records = append(m.records, memoryRecord{record: rec, seq: m.seq})
	return checkin.Receipt{ID: rec.ID, Timestamp: rec.Timestamp}, nil
}

func (m *Memory) ListByUser(ctx context.Context, userID string, limit int) ([]checkin.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	matched := make([]memoryRecord, 0)
	for _, r := range m.records {
		if r.record.UserID == userID {
			matched = append(matched, r)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.record.Timestamp.Equal(b.record.Timestamp) {
			return a.record.Timestamp.After(b.record.Timestamp)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]checkin.Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.record)
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.record.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return checkin.ErrRecordNotFound
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
