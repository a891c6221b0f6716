package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// loanLocks serializes read-modify-write cycles per loan. Entries are
// reference counted and dropped once nobody holds or waits on them.
type loanLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

type loanLock struct {
	mu   sync.Mutex
	refs int
}

func newLoanLocks() *loanLocks {
	return &loanLocks{locks: make(map[uuid.UUID]*loanLock)}
}

// lock blocks until the caller owns id and returns the release func.
func (k *loanLocks) lock(id uuid.UUID) func() {
	k.mu.Lock()
	ll, ok := k.locks[id]
	if !ok {
		ll = &loanLock{}
		k.locks[id] = ll
	}
	ll.refs++
	k.mu.Unlock()

	ll.mu.Lock()
	return func() {
		ll.mu.Unlock()
		k.mu.Lock()
		ll.refs--
		if ll.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
