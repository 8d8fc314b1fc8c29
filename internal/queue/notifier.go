package queue

import (
	"context"
	"sync"
)

// Notifier is called by submission code once new tasks are committed.
// Calling it more often than needed is harmless.
type Notifier interface {
	NotifyWorkAvailable(ctx context.Context) error
}

// Waker is anything that can be woken up, typically a worker loop.
type Waker interface {
	Notify()
}

// LocalNotifier wakes loops running in the same process.
type LocalNotifier struct {
	mu      sync.RWMutex
	targets []Waker
}

func NewLocalNotifier(targets ...Waker) *LocalNotifier {
	return &LocalNotifier{targets: targets}
}

func (n *LocalNotifier) Attach(target Waker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *LocalNotifier) NotifyWorkAvailable(_ context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, target := range n.targets {
		target.Notify()
	}
	return nil
}
