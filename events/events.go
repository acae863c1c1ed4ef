// Package events is a tiny key-addressed publish/subscribe bus. The
// topology cache uses it to dispatch its MemberAdded/MemberRemoved
// notifications so more than one observer can subscribe independently
// instead of fighting over a single callback field. The relay core's
// route-status and site-master notifications do not go through it; they
// are direct callbacks.
package events

import (
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Event is one notification carried on the bus. Key selects which
// subscribers receive it; Entry is the payload (a site name, a bool, a
// *wire.MemberInfo, ...).
type Event struct {
	Key   string
	Entry interface{}
}

type subscriberSet map[uint64]func(Event)

// Bus dispatches Events to subscribers registered under the same Key.
// The subscriber table is an immutable radix tree: mu serializes the
// read-modify-write of swapping in a new tree snapshot, and Emit holds mu
// only long enough to read the current snapshot, running handlers after
// releasing it.
type Bus struct {
	mu     sync.Mutex
	state  *iradix.Tree
	nextID uint64
}

func NewEventBus() *Bus {
	return &Bus{state: iradix.New()}
}

// Subscribe registers handler for Key and returns a function that removes
// it again.
func (b *Bus) Subscribe(key string, handler func(Event)) func() {
	id := atomic.AddUint64(&b.nextID, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := subscriberSet{}
	if raw, ok := b.state.Get([]byte(key)); ok {
		for k, v := range raw.(subscriberSet) {
			subs[k] = v
		}
	}
	subs[id] = handler
	txn := b.state.Txn()
	txn.Insert([]byte(key), subs)
	b.state = txn.Commit()

	return func() { b.unsubscribe(key, id) }
}

func (b *Bus) unsubscribe(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.state.Get([]byte(key))
	if !ok {
		return
	}
	subs := subscriberSet{}
	for k, v := range raw.(subscriberSet) {
		if k != id {
			subs[k] = v
		}
	}
	txn := b.state.Txn()
	if len(subs) == 0 {
		txn.Delete([]byte(key))
	} else {
		txn.Insert([]byte(key), subs)
	}
	b.state = txn.Commit()
}

// Emit delivers ev to every subscriber currently registered under ev.Key,
// synchronously, on the caller's goroutine.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	raw, ok := b.state.Get([]byte(ev.Key))
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, handler := range raw.(subscriberSet) {
		handler(ev)
	}
}
