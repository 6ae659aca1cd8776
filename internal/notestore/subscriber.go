package notestore

import (
	"sync"

	"github.com/alexjbarnes/notesync/internal/note"
)

// subscriber holds the newest undelivered snapshot for one subscription.
// A single goroutine delivers it, so callbacks never overlap and never
// go backwards.
type subscriber struct {
	id         uint64
	onSnapshot func([]note.RawDoc)
	onError    func(error)

	mu      sync.Mutex
	latest  []note.RawDoc
	pending bool

	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(id uint64, onSnapshot func([]note.RawDoc), onError func(error)) *subscriber {
	return &subscriber{
		id:         id,
		onSnapshot: onSnapshot,
		onError:    onError,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// offer replaces any undelivered snapshot with docs.
func (sub *subscriber) offer(docs []note.RawDoc) {
	sub.mu.Lock()
	sub.latest = docs
	sub.pending = true
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.signal:
		}

		sub.mu.Lock()
		docs, ok := sub.latest, sub.pending
		sub.latest, sub.pending = nil, false
		sub.mu.Unlock()

		if !ok {
			continue
		}

		select {
		case <-sub.done:
			return
		default:
		}

		sub.onSnapshot(docs)
	}
}

// stop ends delivery. A non-nil err is reported through onError once.
func (sub *subscriber) stop(err error) {
	sub.stopOnce.Do(func() {
		close(sub.done)

		if err != nil && sub.onError != nil {
			sub.onError(err)
		}
	})
}
