package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingHeartbeat tracks one heartbeat awaiting its ack.
type PendingHeartbeat struct {
	HeartbeatID   string
	ComponentID   string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	AckDeadlineAt time.Time
	LastError     string
}

// HeartbeatOutbox stores pending heartbeats by stable heartbeat_id. The
// health monitor reads its backlog to detect orchestrator unreachability.
type HeartbeatOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingHeartbeat
}

func NewHeartbeatOutbox() *HeartbeatOutbox {
	return &HeartbeatOutbox{
		items: make(map[string]PendingHeartbeat),
	}
}

func (o *HeartbeatOutbox) Upsert(item PendingHeartbeat) {
	key := strings.TrimSpace(item.HeartbeatID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *HeartbeatOutbox) MarkAttempt(heartbeatID string, at time.Time, lastErr string) (PendingHeartbeat, bool) {
	key := strings.TrimSpace(heartbeatID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingHeartbeat{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *HeartbeatOutbox) Remove(heartbeatID string) {
	key := strings.TrimSpace(heartbeatID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *HeartbeatOutbox) Get(heartbeatID string) (PendingHeartbeat, bool) {
	key := strings.TrimSpace(heartbeatID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *HeartbeatOutbox) List() []PendingHeartbeat {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingHeartbeat, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HeartbeatID < out[j].HeartbeatID
	})
	return out
}

// OverdueCount reports how many pending heartbeats have passed their ack
// deadline as of now.
func (o *HeartbeatOutbox) OverdueCount(now time.Time) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, item := range o.items {
		if !item.AckDeadlineAt.IsZero() && now.After(item.AckDeadlineAt) {
			n++
		}
	}
	return n
}
