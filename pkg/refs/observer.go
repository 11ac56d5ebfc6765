package refs

import (
	"sync/atomic"
)

// EventKind classifies reference-count operations
type EventKind uint8

const (
	// EventCreate is the first reference of a newly allocated cell
	EventCreate EventKind = iota + 1
	// EventAcquire is an additional reference (Clone or successful Lock)
	EventAcquire
	// EventRelease is a strong handle giving up its reference
	EventRelease
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventAcquire:
		return "acquire"
	case EventRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Event is one reference-count operation on a cell. Remaining is the
// strong count after the operation; for a release it is authoritative
// only when zero.
type Event struct {
	Kind      EventKind
	Cell      uint64
	Label     string
	Handle    uint64
	Remaining int64
}

// Observer receives reference events. Observe is called synchronously
// on the goroutine performing the operation, so implementations can
// capture that goroutine's call stack.
type Observer interface {
	Observe(Event)
}

// observerBox wraps the Observer so atomic.Value sees one concrete type
type observerBox struct {
	o Observer
}

var defaultObserver atomic.Value

// SetObserver installs the process-wide observer used by cells that
// were not given their own. Passing nil detaches it.
func SetObserver(o Observer) {
	defaultObserver.Store(observerBox{o: o})
}

func currentObserver() Observer {
	if v := defaultObserver.Load(); v != nil {
		return v.(observerBox).o
	}
	return nil
}
