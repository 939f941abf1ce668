package docsync

import (
	"fmt"

	"github.com/bringyour/docsync/docsync/crdt"
)

// presence is relayed without throttling

// called by the presence container on the goroutine that mutated it
func (self *Coordinator) presenceChange(change crdt.PresenceChange, origin crdt.Origin) {
	if origin.IsRemote() || change.IsEmpty() {
		return
	}
	self.queue.Run(func() {
		if self.removePresenceCallback == nil {
			// detached
			return
		}
		self.sendPresence(change.Ids())
	})
}

// all known entries, so that late joiners learn about members that are already online
func (self *Coordinator) sendPresenceSnapshot() {
	self.sendPresence(self.settings.Presence.Ids())
}

func (self *Coordinator) sendPresence(ids []string) {
	if len(ids) == 0 {
		return
	}
	update, err := self.settings.Presence.EncodeUpdate(ids)
	if err != nil {
		self.emitError(fmt.Errorf("encode presence: %w", err))
		return
	}
	self.send(TopicPresence, update)
}

func (self *Coordinator) receivePresence(envelope *Envelope) {
	if self.isSelf(envelope) {
		return
	}

	update, err := DecodePayload(envelope.Payload)
	if err != nil {
		self.emitError(fmt.Errorf("presence from %s: %w", envelope.Sender.Id, err))
		return
	}
	if err := self.settings.Presence.ApplyUpdate(update, crdt.OriginRemote); err != nil {
		self.emitError(fmt.Errorf("apply presence from %s: %w", envelope.Sender.Id, err))
		return
	}

	self.events.Emit(&PresenceUpdateEvent{Update: update})
}
