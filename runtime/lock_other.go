//go:build !linux

package runtime

import "sync"

// slotMutexes serializes slot creation within this process where flock is
// unavailable
var slotMutexes sync.Map

type slotLock struct {
	mu *sync.Mutex
}

func acquireSlotLock(slot string) (*slotLock, error) {
	value, _ := slotMutexes.LoadOrStore(slot, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return &slotLock{mu: mu}, nil
}

func (l *slotLock) Release() {
	if l == nil || l.mu == nil {
		return
	}
	l.mu.Unlock()
	l.mu = nil
}
