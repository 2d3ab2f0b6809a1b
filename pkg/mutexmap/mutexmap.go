package mutexmap

import (
	"sort"
	"sync"
)

// Think of this as an infinite number of named bathroom stalls. Each named stall can only
// be occupied by one person, and the stall remembers who is inside.
// When you TryLock():
// a) it won't open if it's already occupied. decide to do something else (never wait)
// b) it opens and gets reserved for you. When you get out you call the unlock callback
//
//	you obtained from TryLock() to return the stall for use.
type M struct {
	holders  map[string]string // key => holder
	masterMu sync.Mutex
}

func New() *M {
	return &M{
		holders: map[string]string{},
	}
}

// returns false if already reserved (by anyone, including the same holder).
// returns true if reserved for holder. use the returned func to release, calling it more than
// once is harmless
func (n *M) TryLock(key string, holder string) (func(), bool) {
	n.masterMu.Lock()
	defer n.masterMu.Unlock()

	if _, occupied := n.holders[key]; occupied {
		return nil, false
	}

	n.holders[key] = holder

	var once sync.Once

	return func() {
		once.Do(func() {
			n.masterMu.Lock()
			defer n.masterMu.Unlock()

			if n.holders[key] == holder {
				delete(n.holders, key)
			}
		})
	}, true
}

func (n *M) Holder(key string) (string, bool) {
	n.masterMu.Lock()
	defer n.masterMu.Unlock()

	holder, occupied := n.holders[key]
	return holder, occupied
}

// currently reserved keys, sorted
func (n *M) Keys() []string {
	n.masterMu.Lock()
	defer n.masterMu.Unlock()

	keys := make([]string, 0, len(n.holders))
	for key := range n.holders {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
