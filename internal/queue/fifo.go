package queue

import (
	"context"
	"sync"
	"time"
)

// FIFO holds job ids in submission order. Implementations must be safe for
// one consumer and many producers.
type FIFO interface {
	Push(ctx context.Context, id string) error
	// Pop blocks for at most timeout and returns "" when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Remove(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// MemoryFIFO is a process-local FIFO.
type MemoryFIFO struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

var _ FIFO = (*MemoryFIFO)(nil)

func NewMemoryFIFO() *MemoryFIFO {
	return &MemoryFIFO{notify: make(chan struct{}, 1)}
}

func (f *MemoryFIFO) Push(ctx context.Context, id string) error {
	f.mu.Lock()
	f.items = append(f.items, id)
	f.mu.Unlock()
	f.signal()
	return nil
}

func (f *MemoryFIFO) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			id := f.items[0]
			f.items = f.items[1:]
			remaining := len(f.items)
			f.mu.Unlock()
			if remaining > 0 {
				f.signal()
			}
			return id, nil
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (f *MemoryFIFO) Remove(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, item := range f.items {
		if item == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *MemoryFIFO) Len(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.items)), nil
}

func (f *MemoryFIFO) Close() error {
	return nil
}

func (f *MemoryFIFO) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}
