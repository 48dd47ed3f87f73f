package realtime

import (
	"hash/fnv"
	"strings"
	"sync"
)

// Pair is an unordered pair of user identities in canonical order (A <= B).
type Pair struct {
	A string
	B string
}

// NewPair canonicalizes (userA, userB) so that NewPair(a, b) == NewPair(b, a).
func NewPair(userA, userB string) Pair {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userB < userA {
		userA, userB = userB, userA
	}
	return Pair{A: userA, B: userB}
}

// Valid reports whether both identities are present.
func (p Pair) Valid() bool { return p.A != "" && p.B != "" }

// Key is the canonical lock/lookup key for the pair.
// The NUL separator cannot appear in either identity.
func (p Pair) Key() string { return p.A + "\x00" + p.B }

// Has reports whether userID is one of the participants.
func (p Pair) Has(userID string) bool { return userID == p.A || userID == p.B }

const lockShards = 64

// keyLocks is a fixed set of mutexes sharded by key.
// Two keys may share a shard; that only costs some contention.
type keyLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
