package board

import (
	"sync"
)

// makes a copy of the list on update so callers can iterate
// without holding the lock
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// the returned func removes the callback. removal is explicit so
// subscriptions do not leak across reconnects.
func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	nextCallbacks := append([]*callbackEntry[T]{}, self.callbacks...)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(callbackId)
	}
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := []*callbackEntry[T]{}
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}
