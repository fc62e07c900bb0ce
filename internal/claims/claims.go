// Package claims provides non-blocking exclusive claims on string keys.
//
// A claim is held for the duration of one engine operation. Acquisition never
// waits: if another holder has the key, TryClaim reports ok=false and the
// caller fails fast.
package claims

import (
	"context"
	"sync"
)

// Local holds claims in process memory. Keys are matched exactly; two
// different keys never contend.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process claim set.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryClaim takes key if it is free. The returned release func is idempotent.
func (l *Local) TryClaim(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently claimed.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Len returns the number of outstanding claims.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
