// Package lock provides a FIFO-fair mutex whose release can be delayed.
//
// It serialises "set" commands sent to the runnable child process and keeps a
// minimum quiet interval between consecutive commands:
//
//	mu := lock.New()
//
//	if err := mu.Acquire(ctx); err != nil {
//	    return err
//	}
//	defer mu.Release(interval)
//
//	// ... send exactly one command ...
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Waiters are granted the lock in the order they called Acquire.
//   - Release never blocks; the delay runs on a timer.
//
// The mutex is not reentrant. A holder that calls Acquire again blocks until
// someone releases the lock on its behalf.
package lock
