// Package lock provides the mutex types used across f4nat. Building with the
// lockdebug tag swaps them for deadlock-detecting implementations.
package lock

// RWMutex is equivalent to sync.RWMutex.
type RWMutex struct {
	internalRWMutex
}

// Mutex is equivalent to sync.Mutex.
type Mutex struct {
	internalMutex
}
