package watcher

import "sync"

// mailbox is an unbounded FIFO of closures with a single consumer.
// Producers never block, so callbacks may register or unregister freely.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	fn := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return fn, true
}

// run executes queued closures one at a time until done is closed.
func (m *mailbox) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-m.notify:
		}
		for {
			select {
			case <-done:
				return
			default:
			}
			fn, ok := m.pop()
			if !ok {
				break
			}
			fn()
		}
	}
}

// Personal.AI order the ending
