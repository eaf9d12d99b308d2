package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	msg       Message
	visibleAt time.Time
	seq       uint64
}

// Memory is an in-process Queue. It honours delays and leases against its
// clock, which tests may replace.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]*memEntry
	seq    uint64
	now    func() time.Time
}

// NewMemory creates an empty in-process queue set.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][]*memEntry),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := m.now()
	m.queues[queue] = append(m.queues[queue], &memEntry{
		msg: Message{
			ID:         uuid.NewString(),
			Queue:      queue,
			Body:       append([]byte(nil), body...),
			EnqueuedAt: now,
		},
		visibleAt: now.Add(delay),
		seq:       m.seq,
	})
	return nil
}

func (m *Memory) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	entries := m.queues[queue]
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].visibleAt.Equal(entries[j].visibleAt) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].visibleAt.Before(entries[j].visibleAt)
	})

	var out []Message
	for _, e := range entries {
		if len(out) >= max {
			break
		}
		if e.visibleAt.After(now) {
			break
		}
		e.msg.DequeueCount++
		e.msg.Receipt = uuid.NewString()
		e.visibleAt = now.Add(visibility)
		out = append(out, e.msg)
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, e := m.find(msg)
	if e == nil {
		return ErrLeaseLost
	}
	q := m.queues[msg.Queue]
	m.queues[msg.Queue] = append(q[:i], q[i+1:]...)
	return nil
}

func (m *Memory) Release(ctx context.Context, msg Message, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, e := m.find(msg)
	if e == nil {
		return ErrLeaseLost
	}
	e.msg.Receipt = ""
	e.visibleAt = m.now().Add(delay)
	return nil
}

func (m *Memory) Len(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *Memory) find(msg Message) (int, *memEntry) {
	for i, e := range m.queues[msg.Queue] {
		if e.msg.ID == msg.ID && e.msg.Receipt == msg.Receipt {
			return i, e
		}
	}
	return -1, nil
}

// Pending describes a queued message for inspection.
type Pending struct {
	Message
	Delay time.Duration
}

// Pending lists queue in delivery order with each message's remaining delay.
func (m *Memory) Pending(queue string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entries := append([]*memEntry(nil), m.queues[queue]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Pending, 0, len(entries))
	for _, e := range entries {
		out = append(out, Pending{Message: e.msg, Delay: e.visibleAt.Sub(now)})
	}
	return out
}

// Drain removes every message from queue and returns them in send order.
func (m *Memory) Drain(queue string) []Pending {
	out := m.Pending(queue)
	m.mu.Lock()
	delete(m.queues, queue)
	m.mu.Unlock()
	return out
}
