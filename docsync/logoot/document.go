// Package logoot is a text document replicated with the Logoot sequence CRDT.
// Every atom carries a dense position identifier, so inserts and deletes from
// different sites commute and can be applied in any order, any number of times.
package logoot

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync/crdt"
)

type atom struct {
	position Position
	value    string
}

// Document implements `crdt.Document`.
type Document struct {
	site string

	stateLock sync.Mutex
	// number of ops generated locally
	seq uint64
	// ordered by position
	atoms []atom
	// every op seen, by id
	ops map[OpId]*Op
	// position keys of deleted atoms. A delete can arrive before its insert.
	tombstones map[string]bool
	// site -> highest seq such that every op up to it has been seen
	stateVector map[string]uint64

	callbackLock   sync.Mutex
	nextCallbackId int
	callbacks      map[int]crdt.UpdateFunction
}

// `site` must be unique among all replicas of the document
func NewDocument(site string) *Document {
	return &Document{
		site:        site,
		ops:         map[OpId]*Op{},
		tombstones:  map[string]bool{},
		stateVector: map[string]uint64{},
		callbacks:   map[int]crdt.UpdateFunction{},
	}
}

func (self *Document) Site() string {
	return self.site
}

func (self *Document) Content() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content := make([]byte, 0, len(self.atoms))
	for _, a := range self.atoms {
		content = append(content, a.value...)
	}
	return string(content)
}

// number of atoms (runes) in the document
func (self *Document) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.atoms)
}

// inserts `text` before the atom at `index`. `index` counts runes.
func (self *Document) Insert(index int, text string) error {
	if text == "" {
		return nil
	}
	var update []byte
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if index < 0 || len(self.atoms) < index {
			return fmt.Errorf("insert index %d out of range [0, %d]", index, len(self.atoms))
		}
		ops := []*Op{}
		for _, r := range text {
			var p Position
			if 0 < index {
				p = self.atoms[index-1].position
			}
			var q Position
			if index < len(self.atoms) {
				q = self.atoms[index].position
			}
			self.seq += 1
			op := &Op{
				Id: OpId{
					Site: self.site,
					Seq:  self.seq,
				},
				Kind:     OpKindInsert,
				Position: between(p, q, self.site, self.seq),
				Value:    string(r),
			}
			self.integrate(op)
			ops = append(ops, op)
			index += 1
		}
		update = EncodeOps(ops)
		return nil
	}()
	if err != nil {
		return err
	}
	self.notify(update, crdt.OriginLocal)
	return nil
}

// deletes `length` atoms starting at `index`
func (self *Document) Delete(index int, length int) error {
	if length == 0 {
		return nil
	}
	var update []byte
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if index < 0 || length < 0 || len(self.atoms) < index+length {
			return fmt.Errorf("delete [%d, %d) out of range [0, %d)", index, index+length, len(self.atoms))
		}
		positions := make([]Position, length)
		for i := 0; i < length; i += 1 {
			positions[i] = self.atoms[index+i].position
		}
		ops := make([]*Op, 0, length)
		for _, position := range positions {
			self.seq += 1
			op := &Op{
				Id: OpId{
					Site: self.site,
					Seq:  self.seq,
				},
				Kind:     OpKindDelete,
				Position: position,
			}
			self.integrate(op)
			ops = append(ops, op)
		}
		update = EncodeOps(ops)
		return nil
	}()
	if err != nil {
		return err
	}
	self.notify(update, crdt.OriginLocal)
	return nil
}

// the update is decoded fully before any op is integrated, so a malformed update changes nothing
func (self *Document) ApplyUpdate(update []byte, origin crdt.Origin) error {
	ops, err := DecodeOps(update)
	if err != nil {
		return err
	}

	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, op := range ops {
			if self.integrate(op) {
				applied = true
			}
		}
	}()

	if applied {
		self.notify(update, origin)
	}
	return nil
}

func (self *Document) EncodeStateVector() ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return EncodeStateVector(self.stateVector), nil
}

func (self *Document) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	remoteStateVector, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := []*Op{}
	for id, op := range self.ops {
		if remoteStateVector[id.Site] < id.Seq {
			ops = append(ops, op)
		}
	}
	sortOps(ops)
	return EncodeOps(ops), nil
}

func (self *Document) CombineUpdates(updates [][]byte) ([]byte, error) {
	combined := map[OpId]*Op{}
	for i, update := range updates {
		ops, err := DecodeOps(update)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		for _, op := range ops {
			combined[op.Id] = op
		}
	}
	ops := make([]*Op, 0, len(combined))
	for _, op := range combined {
		ops = append(ops, op)
	}
	sortOps(ops)
	return EncodeOps(ops), nil
}

func (self *Document) OnUpdate(callback crdt.UpdateFunction) func() {
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

// must be called with `stateLock`. Returns false if the op was already seen.
func (self *Document) integrate(op *Op) bool {
	if _, ok := self.ops[op.Id]; ok {
		return false
	}
	self.ops[op.Id] = op
	self.advanceStateVector(op.Id.Site)

	key := op.Position.Key()
	switch op.Kind {
	case OpKindInsert:
		if self.tombstones[key] {
			return true
		}
		i, found := self.search(op.Position)
		if !found {
			self.atoms = slices.Insert(self.atoms, i, atom{
				position: op.Position,
				value:    op.Value,
			})
		}
	case OpKindDelete:
		self.tombstones[key] = true
		if i, found := self.search(op.Position); found {
			self.atoms = slices.Delete(self.atoms, i, i+1)
		}
	}
	return true
}

// must be called with `stateLock`
func (self *Document) search(position Position) (int, bool) {
	i := sort.Search(len(self.atoms), func(i int) bool {
		return 0 <= self.atoms[i].position.Compare(position)
	})
	return i, i < len(self.atoms) && self.atoms[i].position.Compare(position) == 0
}

// must be called with `stateLock`
func (self *Document) advanceStateVector(site string) {
	seq := self.stateVector[site]
	for {
		if _, ok := self.ops[OpId{Site: site, Seq: seq + 1}]; !ok {
			break
		}
		seq += 1
	}
	if 0 < seq {
		self.stateVector[site] = seq
	}
}

func (self *Document) notify(update []byte, origin crdt.Origin) {
	var callbacks []crdt.UpdateFunction
	func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		ids := make([]int, 0, len(self.callbacks))
		for id := range self.callbacks {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			callbacks = append(callbacks, self.callbacks[id])
		}
	}()
	for _, callback := range callbacks {
		callback(update, origin)
	}
}

func sortOps(ops []*Op) {
	slices.SortFunc(ops, func(a *Op, b *Op) int {
		return a.Id.Compare(b.Id)
	})
}
