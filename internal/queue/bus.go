package queue

import (
	"sync"

	"github.com/italolelis/game_downloader/internal/transfer"
)

const defaultSubscriberBuffer = 64

// bus fans queue events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type bus struct {
	mu     sync.RWMutex
	subs   map[int]chan transfer.Event
	nextID int
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan transfer.Event)}
}

func (b *bus) subscribe(buffer int) (<-chan transfer.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	ch := make(chan transfer.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// publish returns the number of subscribers that dropped the event.
func (b *bus) publish(evt transfer.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}

	return dropped
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
