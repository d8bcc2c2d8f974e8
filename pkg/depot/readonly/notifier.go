// Package readonly implements the sticky, process-lifetime read-only
// escalation described in spec.md §7: once any component observes an
// invariant violation or unrecoverable I/O error, IsReadOnly reports
// true for the rest of the process and every registered listener is
// notified. The notifier does not abort outstanding waiters itself.
package readonly

import (
	"sync"
	"sync/atomic"

	"github.com/buildbarn/bb-storage/pkg/util"
)

// Listener is notified exactly once when the notifier transitions into
// read-only mode. Listeners are invoked on whichever goroutine calls
// Notifier.Enter(), so implementations must not block.
type Listener interface {
	OnReadOnlyModeEntered()
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func()

// OnReadOnlyModeEntered implements Listener.
func (f ListenerFunc) OnReadOnlyModeEntered() { f() }

// Notifier is a multi-producer, serialized sticky flag mirroring the
// "read-only notifier" shared by every allocator in the depot. Once
// entered, IsReadOnly() never returns false again for the lifetime of
// the process.
type Notifier struct {
	errorLogger util.ErrorLogger

	entered atomic.Bool

	lock      sync.Mutex
	listeners []Listener
}

// NewNotifier creates a Notifier that reports the error which first
// triggered read-only mode through errorLogger.
func NewNotifier(errorLogger util.ErrorLogger) *Notifier {
	return &Notifier{errorLogger: errorLogger}
}

// IsReadOnly returns whether the notifier has already entered read-only
// mode. Safe to call from any thread.
func (n *Notifier) IsReadOnly() bool {
	return n.entered.Load()
}

// RegisterListener adds a listener that is invoked when read-only mode
// is entered. If the notifier has already entered read-only mode, the
// listener is invoked immediately, inline.
func (n *Notifier) RegisterListener(l Listener) {
	n.lock.Lock()
	alreadyEntered := n.entered.Load()
	if !alreadyEntered {
		n.listeners = append(n.listeners, l)
	}
	n.lock.Unlock()

	if alreadyEntered {
		l.OnReadOnlyModeEntered()
	}
}

// Enter transitions the notifier into read-only mode, logging cause
// and fanning out to every registered listener. Subsequent calls are
// no-ops: read-only mode is sticky and the first cause wins.
func (n *Notifier) Enter(cause error) {
	n.lock.Lock()
	if n.entered.Load() {
		n.lock.Unlock()
		return
	}
	n.entered.Store(true)
	listeners := n.listeners
	n.listeners = nil
	n.lock.Unlock()

	if n.errorLogger != nil && cause != nil {
		n.errorLogger.Log(cause)
	}
	for _, l := range listeners {
		l.OnReadOnlyModeEntered()
	}
}
