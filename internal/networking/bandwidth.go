// Package networking throttles the per-agent byte rate of the tick
// engine's event fan-out so a slow or misbehaving WebSocket consumer can
// never starve the others sharing the same process.
package networking

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultBandwidthLimitBytesPerSecond caps a single agent socket's
	// outbound throughput at 48 kbps (decimal).
	DefaultBandwidthLimitBytesPerSecond = 48000.0 / 8.0
)

// BandwidthUsage reports the throttling state of one agent's token bucket.
type BandwidthUsage struct {
	AgentID              string
	AvailableBytes       float64
	BytesPerSecond       float64
	ObservedSeconds      float64
	DeniedDeliveries     int64
	LastUpdatedTimestamp time.Time
}

type bandwidthBucket struct {
	tokens float64
	last   time.Time
	window time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator enforces a token-bucket budget per agent so a chunk
// crowded with listeners can't flood any single socket's write buffer.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewBandwidthRegulator constructs a regulator enforcing targetBytesPerSecond
// per agent, falling back to DefaultBandwidthLimitBytesPerSecond when given
// a non-positive rate.
func NewBandwidthRegulator(targetBytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if targetBytesPerSecond <= 0 {
		targetBytesPerSecond = DefaultBandwidthLimitBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[string]*bandwidthBucket),
		capacity: targetBytesPerSecond,
		refill:   targetBytesPerSecond,
		now:      clock,
	}
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	if bucket == nil || now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	if elapsed <= 0 {
		bucket.last = now
		return
	}
	bucket.tokens += elapsed * r.refill
	if bucket.tokens > r.capacity {
		bucket.tokens = r.capacity
	}
	bucket.last = now
}

// Allow charges payloadBytes against agentID's budget, returning false (and
// dropping the charge) if the bucket can't cover it.
func (r *BandwidthRegulator) Allow(agentID string, payloadBytes int) bool {
	if r == nil || agentID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[agentID]
	now := r.now()
	if bucket == nil {
		// New agents start with a full bucket so the first burst never stalls.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[agentID] = bucket
	}
	r.replenish(bucket, now)

	request := float64(payloadBytes)
	if request > bucket.tokens {
		bucket.denied++
		return false
	}

	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	if bucket.window.IsZero() {
		bucket.window = now
	}
	return true
}

// Forget drops agentID's bucket, called once its socket disconnects.
func (r *BandwidthRegulator) Forget(agentID string) {
	if r == nil || agentID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, agentID)
	r.mu.Unlock()
}

// SnapshotUsage reports the current throttling state of every tracked
// agent, for the /metrics surface.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	snapshot := make(map[string]BandwidthUsage, len(r.buckets))
	for agentID, bucket := range r.buckets {
		if bucket == nil {
			continue
		}
		r.replenish(bucket, now)

		observed := now.Sub(bucket.window).Seconds()
		if observed < 0 {
			observed = 0
		}
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}

		snapshot[agentID] = BandwidthUsage{
			AgentID:              agentID,
			AvailableBytes:       math.Max(bucket.tokens, 0),
			BytesPerSecond:       rate,
			ObservedSeconds:      observed,
			DeniedDeliveries:     bucket.denied,
			LastUpdatedTimestamp: bucket.last,
		}
	}
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot
}
