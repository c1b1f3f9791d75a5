package queue

import (
	"sync"

	kgo "github.com/segmentio/kafka-go"
)

// offsetTracker orders commits per partition. Workers finish fetched
// messages in any order, but an offset may only be committed once every
// earlier offset of its partition is done, or a crash would skip them.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []kgo.Message // fetch order
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track records a fetched message. Messages of one partition must be tracked
// in fetch order.
func (t *offsetTracker) track(m kgo.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[m.Partition]
	if p == nil {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[m.Partition] = p
	}
	if n := len(p.pending); n > 0 && m.Offset <= p.pending[n-1].Offset {
		// Redelivery after a rebalance restarts from the committed offset.
		p.pending = nil
		clear(p.done)
	}
	p.pending = append(p.pending, m)
}

// complete marks m done and returns the highest message of its partition
// that is now safe to commit, if any.
func (t *offsetTracker) complete(m kgo.Message) (kgo.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[m.Partition]
	if p == nil {
		return m, true
	}
	p.done[m.Offset] = true

	var last kgo.Message
	var ok bool
	for len(p.pending) > 0 && p.done[p.pending[0].Offset] {
		last, ok = p.pending[0], true
		delete(p.done, last.Offset)
		p.pending = p.pending[1:]
	}
	return last, ok
}
