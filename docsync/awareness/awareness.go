// Package awareness is an ephemeral presence container: one clocked key/value state per session.
// States are relayed best effort and never persisted.
package awareness

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync/crdt"
)

type entry struct {
	clock uint64
	// nil when removed. Removed entries keep their clock so the removal can be encoded.
	state map[string]string
}

func (self *entry) present() bool {
	return self.state != nil
}

// Awareness implements `crdt.Presence`.
type Awareness struct {
	localId string

	stateLock sync.Mutex
	entries   map[string]*entry

	callbackLock   sync.Mutex
	nextCallbackId int
	callbacks      map[int]crdt.PresenceChangeFunction
}

func NewAwareness(localId string) *Awareness {
	return &Awareness{
		localId:   localId,
		entries:   map[string]*entry{},
		callbacks: map[int]crdt.PresenceChangeFunction{},
	}
}

func (self *Awareness) LocalId() string {
	return self.localId
}

// sets the local state. A nil state removes the local entry.
func (self *Awareness) SetLocalState(state map[string]string) {
	if state == nil {
		self.RemoveStates([]string{self.localId}, crdt.OriginLocal)
		return
	}

	change := crdt.PresenceChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		e, ok := self.entries[self.localId]
		if !ok {
			e = &entry{}
			self.entries[self.localId] = e
		}
		wasPresent := e.present()
		changed := !maps.Equal(e.state, state)
		e.clock += 1
		e.state = maps.Clone(state)

		if !wasPresent {
			change.Added = []string{self.localId}
		} else if changed {
			change.Updated = []string{self.localId}
		}
	}()
	self.notify(change, crdt.OriginLocal)
}

// nil if the local entry is not present
func (self *Awareness) LocalState() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if e, ok := self.entries[self.localId]; ok && e.present() {
		return maps.Clone(e.state)
	}
	return nil
}

// present states by id
func (self *Awareness) States() map[string]map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	states := map[string]map[string]string{}
	for id, e := range self.entries {
		if e.present() {
			states[id] = maps.Clone(e.state)
		}
	}
	return states
}

func (self *Awareness) Ids() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids := []string{}
	for id, e := range self.entries {
		if e.present() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// encodes the entries for `ids`, including removals. Unknown ids are skipped.
func (self *Awareness) EncodeUpdate(ids []string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updates := make([]*entryUpdate, 0, len(ids))
	for _, id := range ids {
		e, ok := self.entries[id]
		if !ok {
			continue
		}
		updates = append(updates, &entryUpdate{
			id:      id,
			clock:   e.clock,
			state:   e.state,
			removed: !e.present(),
		})
	}
	return encodeUpdate(updates), nil
}

// An incoming entry wins when its clock is newer, or when the clocks are equal and it is a removal.
// The local entry is owned by this session and is never changed by an update.
func (self *Awareness) ApplyUpdate(update []byte, origin crdt.Origin) error {
	updates, err := decodeUpdate(update)
	if err != nil {
		return fmt.Errorf("awareness update: %w", err)
	}

	change := crdt.PresenceChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, u := range updates {
			if u.id == self.localId {
				continue
			}
			e, ok := self.entries[u.id]
			if !ok {
				e = &entry{}
			}
			newer := !ok || e.clock < u.clock
			if !newer && !(e.clock == u.clock && u.removed && e.present()) {
				continue
			}

			wasPresent := e.present()
			previousState := e.state
			e.clock = u.clock
			if u.removed {
				e.state = nil
			} else if u.state == nil {
				e.state = map[string]string{}
			} else {
				e.state = u.state
			}
			self.entries[u.id] = e

			switch {
			case !wasPresent && e.present():
				change.Added = append(change.Added, u.id)
			case wasPresent && !e.present():
				change.Removed = append(change.Removed, u.id)
			case wasPresent && !maps.Equal(previousState, e.state):
				change.Updated = append(change.Updated, u.id)
			}
		}
	}()
	self.notify(change, origin)
	return nil
}

func (self *Awareness) RemoveStates(ids []string, origin crdt.Origin) {
	change := crdt.PresenceChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, id := range ids {
			if e, ok := self.entries[id]; ok && e.present() {
				e.clock += 1
				e.state = nil
				change.Removed = append(change.Removed, id)
			}
		}
	}()
	self.notify(change, origin)
}

func (self *Awareness) OnChange(callback crdt.PresenceChangeFunction) func() {
	self.callbackLock.Lock()
	defer self.callbackLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback

	return func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *Awareness) notify(change crdt.PresenceChange, origin crdt.Origin) {
	if change.IsEmpty() {
		return
	}
	var callbacks []crdt.PresenceChangeFunction
	func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		callbackIds := make([]int, 0, len(self.callbacks))
		for callbackId := range self.callbacks {
			callbackIds = append(callbackIds, callbackId)
		}
		slices.Sort(callbackIds)
		for _, callbackId := range callbackIds {
			callbacks = append(callbacks, self.callbacks[callbackId])
		}
	}()
	for _, callback := range callbacks {
		callback(change, origin)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
