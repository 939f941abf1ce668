// Package crdt defines the contracts between the sync coordinator and the
// replicated data structures it relays: the merge engine document and the
// ephemeral presence container.
package crdt

// Origin tags every mutation of a document or presence container.
// Mutations applied on behalf of a remote peer are tagged `OriginRemote`
// so that observers do not broadcast them back out.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (self Origin) String() string {
	switch self {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

func (self Origin) IsRemote() bool {
	return self == OriginRemote
}

// called with the encoded update for every applied change, local or remote
type UpdateFunction = func(update []byte, origin Origin)

// Document is a replicated document with commutative, idempotent update application.
// Implementations must be safe to call from multiple goroutines.
type Document interface {
	// applies an encoded update. Applying an update more than once is a no-op.
	ApplyUpdate(update []byte, origin Origin) error

	// compact summary of the history this document has observed
	EncodeStateVector() ([]byte, error)

	// encodes everything this document has that the given state vector lacks.
	// A nil or empty state vector encodes the full document.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// merges several updates into one update with the same effect
	CombineUpdates(updates [][]byte) ([]byte, error)

	// registers an update observer. The returned function removes it.
	OnUpdate(callback UpdateFunction) func()
}

type PresenceChange struct {
	Added   []string
	Updated []string
	Removed []string
}

func (self PresenceChange) Ids() []string {
	ids := make([]string, 0, len(self.Added)+len(self.Updated)+len(self.Removed))
	ids = append(ids, self.Added...)
	ids = append(ids, self.Updated...)
	ids = append(ids, self.Removed...)
	return ids
}

func (self PresenceChange) IsEmpty() bool {
	return len(self.Added) == 0 && len(self.Updated) == 0 && len(self.Removed) == 0
}

type PresenceChangeFunction = func(change PresenceChange, origin Origin)

// Presence is an ephemeral key/value store with one entry per session.
// Implementations must be safe to call from multiple goroutines.
type Presence interface {
	// id of the entry owned by this session
	LocalId() string

	// ids of all currently known entries, including the local one
	Ids() []string

	EncodeUpdate(ids []string) ([]byte, error)

	ApplyUpdate(update []byte, origin Origin) error

	RemoveStates(ids []string, origin Origin)

	// registers a change observer. The returned function removes it.
	OnChange(callback PresenceChangeFunction) func()
}
