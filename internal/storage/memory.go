package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local UserRepository with the same versioning rules
// as the sqlite driver.
type Memory struct {
	mu     sync.RWMutex
	rows   map[int64]UserThreshold
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[int64]UserThreshold{}, now: time.Now}
}

func (m *Memory) FindByID(ctx context.Context, userID int64) (UserThreshold, bool, error) {
	if err := ctx.Err(); err != nil {
		return UserThreshold{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return UserThreshold{}, false, ErrClosed
	}
	u, ok := m.rows[userID]
	return cloneRow(u), ok, nil
}

func (m *Memory) FindWhere(ctx context.Context, q Query) ([]UserThreshold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []UserThreshold
	for _, u := range m.rows {
		if q.Match(u) {
			out = append(out, cloneRow(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Save(ctx context.Context, rows ...UserThreshold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var conflicts []int64
	now := m.now()
	for _, u := range rows {
		cur, exists := m.rows[u.UserID]
		switch {
		case u.Version == 0 && exists, u.Version != 0 && (!exists || cur.Version != u.Version):
			conflicts = append(conflicts, u.UserID)
			continue
		}
		u = cloneRow(u)
		u.Version++
		u.UpdatedAt = now
		m.rows[u.UserID] = u
	}
	if len(conflicts) > 0 {
		return &ConflictError{IDs: conflicts}
	}
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{Users: len(m.rows)}
	for _, u := range m.rows {
		if u.Active() {
			st.Active++
			if u.IsNotified {
				st.Notified++
			}
		}
	}
	return st, nil
}

func (m *Memory) Maintain(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// cloneRow detaches the threshold pointer so callers can't mutate stored
// rows.
func cloneRow(u UserThreshold) UserThreshold {
	if u.Threshold != nil {
		v := *u.Threshold
		u.Threshold = &v
	}
	return u
}
