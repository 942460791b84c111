package service

import (
	"context"
	"sync"
)

// SubjectLocks hands out one mutex per subject id. Entries are reference
// counted and dropped once no caller holds or waits on them.
type SubjectLocks struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	ch   chan struct{}
	refs int
}

func NewSubjectLocks() *SubjectLocks {
	return &SubjectLocks{locks: make(map[string]*subjectLock)}
}

// Lock blocks until the subject is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *SubjectLocks) Lock(ctx context.Context, subjectID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[subjectID]
	if !ok {
		entry = &subjectLock{ch: make(chan struct{}, 1)}
		l.locks[subjectID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(subjectID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(subjectID, entry)
		})
	}, nil
}

func (l *SubjectLocks) release(subjectID string, entry *subjectLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, subjectID)
	}
}

// Len reports how many subjects currently have a live lock entry.
func (l *SubjectLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
