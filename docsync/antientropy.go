package docsync

import (
	"fmt"
)

// State vector handshake. Each member broadcasts its state vector once per connection epoch.
// A member that receives a vector from a peer it has not yet synced with this epoch
// broadcasts the diff the peer is missing and replies with its own vector,
// so the peer can do the same in the other direction.
// Replying at most once per peer per epoch ends the exchange.

func (self *Coordinator) sendStateVector() {
	stateVector, err := self.document.EncodeStateVector()
	if err != nil {
		self.emitError(fmt.Errorf("encode state vector: %w", err))
		return
	}
	self.send(TopicStateVector, stateVector)
}

func (self *Coordinator) receiveStateVector(envelope *Envelope) {
	senderId := envelope.Sender.Id
	if self.isSelf(envelope) || self.syncedPeers[senderId] {
		return
	}
	self.syncedPeers[senderId] = true

	if stateVector, err := DecodePayload(envelope.Payload); err != nil {
		self.emitError(fmt.Errorf("state vector from %s: %w", senderId, err))
	} else if diff, err := self.document.EncodeStateAsUpdate(stateVector); err != nil {
		self.emitError(fmt.Errorf("diff for %s: %w", senderId, err))
	} else if self.settings.EmptyUpdateByteCount < len(diff) {
		// not addressed. every member applies the diff and application is idempotent
		self.trace("diff for %s %d bytes", senderId, len(diff))
		self.send(TopicUpdate, diff)
	}

	self.sendStateVector()
	if self.settings.Presence != nil {
		// the peer joined after our connect snapshot
		self.sendPresenceSnapshot()
	}
}
