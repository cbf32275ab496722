package engine

import (
	"sync"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// lockRegistry serializes syncs per table within one process. Two workers
// never sync the same table at once even if it is configured twice upstream
// of validation, and an operator-triggered resync cannot interleave with a
// scheduled one sharing this process.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{held: make(map[string]bool)}
}

// Acquire takes the table's lock or fails immediately with a lock
// contention error. Syncs are long; blocking a worker behind a duplicate
// table would just hide a configuration problem.
func (l *lockRegistry) Acquire(table warehouse.TableRef) error {
	key := table.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return errors.Newf(errors.ErrorTypeLockContention,
			"table %s is already being synced", table)
	}
	l.held[key] = true
	return nil
}

// Release frees the table's lock.
func (l *lockRegistry) Release(table warehouse.TableRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, table.String())
}
