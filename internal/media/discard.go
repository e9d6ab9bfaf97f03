package media

import "fmt"

// Discard tells a container which packets of a stream it may skip.
type Discard int

const (
	DiscardNone Discard = iota
	DiscardNonKey
	DiscardAll
)

func (d Discard) String() string {
	switch d {
	case DiscardNonKey:
		return "keyframes-only"
	case DiscardAll:
		return "skip-all"
	default:
		return "keep-all"
	}
}

// DiscardTable holds per-stream discard policies. It is writable until
// Lock is called; containers lock it on their first seek or read.
type DiscardTable struct {
	policies []Discard
	locked   bool
}

func NewDiscardTable(streams int) *DiscardTable {
	return &DiscardTable{policies: make([]Discard, streams)}
}

func (t *DiscardTable) Set(index int, policy Discard) error {
	if index < 0 || index >= len(t.policies) {
		return fmt.Errorf("%w: %d", ErrNoStream, index)
	}
	if t.locked {
		return ErrDiscardLocked
	}
	t.policies[index] = policy
	return nil
}

func (t *DiscardTable) Policy(index int) Discard {
	if index < 0 || index >= len(t.policies) {
		return DiscardAll
	}
	return t.policies[index]
}

// Keep reports whether a packet of the given stream survives the policy.
func (t *DiscardTable) Keep(index int, keyFrame bool) bool {
	switch t.Policy(index) {
	case DiscardAll:
		return false
	case DiscardNonKey:
		return keyFrame
	default:
		return true
	}
}

func (t *DiscardTable) Lock() { t.locked = true }
