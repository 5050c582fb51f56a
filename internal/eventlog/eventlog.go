// Package eventlog implements the per-chunk bounded event ring buffer and
// non-blocking subscriber fan-out shared by the tick engine's listener
// queues and the spectator replay feed.
package eventlog

import (
	"fmt"
	"sync"
)

// Envelope is a generic typed message delivered to a listener queue.
type Envelope struct {
	Type    string
	Payload any
}

// EventRecord is one entry in a chunk's event ring buffer.
type EventRecord struct {
	ID      string
	ChunkID string
	Tick    uint64
	Seq     int
	Name    string
	Payload any
}

// Queue is a bounded, non-blocking delivery channel. Sends to a full queue
// are silently dropped, mirroring the teacher's publishEnvelope
// try-send-or-drop idiom.
type Queue struct {
	ch chan Envelope
}

// NewQueue constructs a Queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Envelope, capacity)}
}

// Send attempts a non-blocking delivery, dropping the message if the queue
// is full.
func (q *Queue) Send(e Envelope) {
	select {
	case q.ch <- e:
	default:
	}
}

// C exposes the receive side of the queue.
func (q *Queue) C() <-chan Envelope {
	return q.ch
}

// Feed is an active spectator subscription to a ChunkLog.
type Feed struct {
	id  string
	log *ChunkLog
	ch  chan EventRecord
}

// Events exposes the ordered delivery channel for subsequent events.
func (f *Feed) Events() <-chan EventRecord {
	return f.ch
}

// Close detaches the feed from its log.
func (f *Feed) Close() {
	f.log.detach(f.id)
}

type subscriber struct {
	ch     chan EventRecord
	active bool
}

// ChunkLog is a bounded ring buffer of EventRecords for one chunk, plus the
// registry of spectator subscriptions watching it.
type ChunkLog struct {
	mu sync.Mutex

	chunkID   string
	maxEvents int

	order []string
	byID  map[string]EventRecord

	lastTick    uint64
	tickCounter int

	nextSubID   uint64
	subscribers map[string]*subscriber
}

// NewChunkLog constructs an empty log bounded to maxEvents entries.
func NewChunkLog(chunkID string, maxEvents int) *ChunkLog {
	if maxEvents <= 0 {
		maxEvents = 512
	}
	return &ChunkLog{
		chunkID:     chunkID,
		maxEvents:   maxEvents,
		byID:        make(map[string]EventRecord),
		subscribers: make(map[string]*subscriber),
	}
}

// Append records a new event at the given tick, assigns it the next
// per-tick sequence number, and fans it out to active subscribers without
// blocking.
func (l *ChunkLog) Append(tick uint64, name string, payload any) EventRecord {
	l.mu.Lock()

	if tick != l.lastTick {
		l.lastTick = tick
		l.tickCounter = 0
	}
	seq := l.tickCounter
	l.tickCounter++

	record := EventRecord{
		ID:      fmt.Sprintf("%s:%d:%04x", l.chunkID, tick, seq),
		ChunkID: l.chunkID,
		Tick:    tick,
		Seq:     seq,
		Name:    name,
		Payload: payload,
	}

	l.order = append(l.order, record.ID)
	l.byID[record.ID] = record
	if len(l.order) > l.maxEvents {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.byID, evict)
	}

	subs := make([]*subscriber, 0, len(l.subscribers))
	for _, sub := range l.subscribers {
		if sub.active {
			subs = append(subs, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- record:
		default:
		}
	}

	return record
}

// OpenFeed registers a new subscription and returns the replay tail after
// lastEventID. resyncRequired is true when lastEventID is non-empty but no
// longer present in the ring (older than retention); in that case replay is
// empty and the caller is expected to fall back to a fresh chunk_static.
func (l *ChunkLog) OpenFeed(lastEventID string, bufferSize int) (resyncRequired bool, replay []EventRecord, feed *Feed) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lastEventID != "" {
		idx := -1
		for i, id := range l.order {
			if id == lastEventID {
				idx = i
				break
			}
		}
		if idx == -1 {
			resyncRequired = true
		} else {
			for _, id := range l.order[idx+1:] {
				replay = append(replay, l.byID[id])
			}
		}
	}

	if bufferSize <= 0 {
		bufferSize = 64
	}
	l.nextSubID++
	id := fmt.Sprintf("sub-%d", l.nextSubID)
	sub := &subscriber{ch: make(chan EventRecord, bufferSize), active: true}
	l.subscribers[id] = sub

	return resyncRequired, replay, &Feed{id: id, log: l, ch: sub.ch}
}

func (l *ChunkLog) detach(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subscribers[id]; ok {
		sub.active = false
		delete(l.subscribers, id)
	}
}

// Len reports the number of retained records, for tests and metrics.
func (l *ChunkLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
