package docsync

import (
	"fmt"

	"github.com/bringyour/docsync/docsync/crdt"
)

func (self *Coordinator) receiveUpdate(envelope *Envelope) {
	if self.isSelf(envelope) {
		return
	}

	update, err := DecodePayload(envelope.Payload)
	if err != nil {
		self.emitError(fmt.Errorf("update from %s: %w", envelope.Sender.Id, err))
		return
	}
	if err := self.document.ApplyUpdate(update, crdt.OriginRemote); err != nil {
		self.emitError(fmt.Errorf("apply update from %s: %w", envelope.Sender.Id, err))
		return
	}
	self.trace("[%s]<-%s %d bytes", envelope.Topic, envelope.Sender.Id, len(update))

	self.events.Emit(&MessageEvent{Update: update})
}
