// Package freejoin serializes free enrollment for a (client, contribution) pair so a
// concurrent duplicate request cannot write a second free purchase.
package freejoin

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrInvalidKey = errors.New("freejoin_invalid_key")

// Release frees an acquired guard. It is safe to call more than once.
type Release func()

// Guard is acquired before the ledger read and released after the ledger write.
type Guard interface {
	Acquire(ctx context.Context, clientID, contributionID string) (Release, error)
}

func key(clientID, contributionID string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	contributionID = strings.TrimSpace(contributionID)
	if clientID == "" || contributionID == "" {
		return "", ErrInvalidKey
	}
	return clientID + ":" + contributionID, nil
}

// KeyedMutex is an in-process guard scoped to one (client, contribution) pair.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedLock{}}
}

func (m *KeyedMutex) Acquire(ctx context.Context, clientID, contributionID string) (Release, error) {
	k, err := key(clientID, contributionID)
	if err != nil {
		return nil, err
	}
	return m.lock(ctx, k)
}

func (m *KeyedMutex) lock(ctx context.Context, k string) (Release, error) {
	m.mu.Lock()
	l, ok := m.locks[k]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[k] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(k, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.unref(k, l)
		})
	}, nil
}

func (m *KeyedMutex) unref(k string, l *keyedLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, k)
	}
	m.mu.Unlock()
}

// held reports how many keys currently have holders or waiters.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
