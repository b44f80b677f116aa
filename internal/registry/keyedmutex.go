package registry

import (
	"hash/fnv"
	"sort"
	"sync"
)

const lockShards = 256

// keyedMutex serializes writers per UPL id through a fixed shard array.
// Two ids may share a shard; that only widens exclusion, never narrows it.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) shard(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockShards)
}

// lock acquires the guard for one id and returns its release func.
func (k *keyedMutex) lock(id string) func() {
	s := k.shard(id)
	k.shards[s].Lock()
	return k.shards[s].Unlock
}

// lockAll acquires the guards for a set of ids. Ids map to shard indexes,
// duplicates collapse, and shards are locked in ascending index order —
// a total order, so concurrent multi-id operations cannot deadlock.
func (k *keyedMutex) lockAll(ids ...string) func() {
	seen := make(map[int]bool, len(ids))
	shards := make([]int, 0, len(ids))
	for _, id := range ids {
		s := k.shard(id)
		if !seen[s] {
			seen[s] = true
			shards = append(shards, s)
		}
	}
	sort.Ints(shards)
	for _, s := range shards {
		k.shards[s].Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			k.shards[shards[i]].Unlock()
		}
	}
}
