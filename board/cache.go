package board

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Cache is the client-held copy of the record store. it is never a
// source of truth: every entry is stale the moment a push or poll
// signal says otherwise. all writes are replace-by-id or sparse field
// patches, so the poller and the push transport can race to update it
// and whichever arrives last wins cleanly.
type Cache struct {
	mutex   sync.Mutex
	records map[Id]*Record

	changeCallbacks *callbackList[func()]
}

func NewCache() *Cache {
	return &Cache{
		records:         map[Id]*Record{},
		changeCallbacks: newCallbackList[func()](),
	}
}

// the returned func removes the callback
func (self *Cache) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.add(callback)
}

func (self *Cache) notify() {
	for _, callback := range self.changeCallbacks.get() {
		callback()
	}
}

// Apply replaces the cached record by id. idempotent.
func (self *Cache) Apply(record *Record) {
	self.mutex.Lock()
	self.records[record.RecordId] = record.Copy()
	self.mutex.Unlock()
	self.notify()
}

// Patch applies a sparse field patch to the cached record, if present.
func (self *Cache) Patch(recordId Id, patch *RecordPatch) {
	self.mutex.Lock()
	if record, ok := self.records[recordId]; ok {
		patched := record.Copy()
		patch.ApplyTo(patched)
		self.records[recordId] = patched
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *Cache) Remove(recordId Id) {
	self.mutex.Lock()
	delete(self.records, recordId)
	self.mutex.Unlock()
	self.notify()
}

func (self *Cache) Get(recordId Id) (*Record, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[recordId]
	if !ok {
		return nil, false
	}
	return record.Copy(), true
}

func (self *Cache) List() []*Record {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	records := make([]*Record, 0, len(self.records))
	for _, recordId := range maps.Keys(self.records) {
		records = append(records, self.records[recordId].Copy())
	}
	return records
}

func (self *Cache) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.records)
}
