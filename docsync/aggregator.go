package docsync

import (
	"fmt"

	"github.com/bringyour/docsync/docsync/crdt"
)

// called by the document on the goroutine that mutated it
func (self *Coordinator) documentUpdate(update []byte, origin crdt.Origin) {
	if origin.IsRemote() {
		// applied by `receiveUpdate`, do not echo
		return
	}
	self.queue.Run(func() {
		self.localUpdate(update)
	})
}

func (self *Coordinator) localUpdate(update []byte) {
	if self.removeDocumentCallback == nil {
		// detached
		return
	}

	throttle := self.settings.BroadcastThrottle
	if throttle <= 0 {
		self.send(TopicUpdate, update)
		return
	}

	self.pendingUpdates = append(self.pendingUpdates, update)
	if self.flushTimer == nil {
		var timer Timer
		timer = self.clock.AfterFunc(throttle, func() {
			self.queue.Run(func() {
				if self.flushTimer != timer {
					return
				}
				self.flushTimer = nil
				self.flush()
			})
		})
		self.flushTimer = timer
	}
}

func (self *Coordinator) flush() {
	updates := self.pendingUpdates
	self.pendingUpdates = nil

	switch len(updates) {
	case 0:
		return
	case 1:
		self.send(TopicUpdate, updates[0])
	default:
		combined, err := self.document.CombineUpdates(updates)
		if err != nil {
			self.emitError(fmt.Errorf("combine %d updates: %w", len(updates), err))
			return
		}
		self.trace("flush %d updates", len(updates))
		self.send(TopicUpdate, combined)
	}
}

func (self *Coordinator) stopFlushTimer() {
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.pendingUpdates = nil
}
