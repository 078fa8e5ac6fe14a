// Package eventbus implements the Event Bus: best-effort fanout to local
// subscribers with per-entity FIFO ordering, optionally mirrored to Redis
// streams for cross-process delivery. Grounded on the singleton Manager /
// per-subscriber-channel pattern of Kocoro-lab/Shannon's
// internal/streaming/manager.go, and the resume-by-last-event-id idiom of
// internal/httpapi/websocket.go and internal/httpapi/streaming.go.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is the Bus's wire-and-in-process unit of delivery.
type Event struct {
	Type         string                 `json:"type"`
	EntityKey    string                 `json:"entity_key,omitempty"` // e.g. "task:<id>"
	Payload      map[string]interface{} `json:"payload"`
	TimestampUTC time.Time              `json:"timestamp_utc"`
	Seq          uint64                 `json:"seq"`
}

// Recognized event types, per spec section 4.9.
const (
	TypeTaskCreated          = "task_created"
	TypeTaskUpdated          = "task_updated"
	TypeTaskDeleted          = "task_deleted"
	TypeAgentStatusChanged   = "agent_status_changed"
	TypeAgentDeleted         = "agent_deleted"
	TypeAgentCoolingDown     = "agent_cooling_down"
	TypeResourceAcquired     = "resource_acquired"
	TypeResourceReleased     = "resource_released"
	TypeExecutionStep        = "execution_step"
	TypeChatMessageChunk     = "chat_message_chunk"
	TypeChatMessageComplete  = "chat_message_complete"
	TypeChatMessageError     = "chat_message_error"
	TypeCostUpdated          = "cost_updated"
	TypeAlert                = "alert"
	TypeMetricsUpdated       = "metrics_updated"
)

// Subscription is a live handle returned by Subscribe; Events delivers
// until Close is called or the Bus shuts down.
type Subscription struct {
	ID     string
	Events chan Event

	bus    *Bus
	types  map[string]bool // empty/nil = all types
	entity string          // empty = all entities
}

// Close unsubscribes so Publish no longer delivers to this subscriber.
// Events already buffered in the channel are not drained.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) matches(e Event) bool {
	if s.entity != "" && s.entity != e.EntityKey {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	return s.types[e.Type]
}

// entityQueue serializes delivery of events sharing one EntityKey so
// publish order is preserved per entity even though fanout to subscribers
// happens concurrently across entities.
type entityQueue struct {
	mu      sync.Mutex
	pending []Event
	busy    bool
}

// Bus is the Event Bus. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	seq  uint64

	entityMu     sync.Mutex
	entityQueues map[string]*entityQueue

	redis     *redis.Client
	redisTTL  time.Duration
	logger    *zap.Logger
	nextSubID int64
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithRedis wires a go-redis client so published events are additionally
// mirrored to a per-entity Redis stream ("task:<id>:updates"), enabling
// cross-process delivery when UsePubSubBridge is enabled.
func WithRedis(client *redis.Client) Option {
	return func(b *Bus) { b.redis = client }
}

// WithRedisStreamTTL enables approximate trimming of each mirrored stream
// (XADD MAXLEN ~ 10000) when d is positive. The duration itself is not
// used as a time bound; entries are trimmed by count only.
func WithRedisStreamTTL(d time.Duration) Option {
	return func(b *Bus) { b.redisTTL = d }
}

// WithLogger attaches a zap logger for best-effort delivery failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New constructs a Bus with no subscribers and no Redis mirror.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:         make(map[string]*Subscription),
		entityQueues: make(map[string]*entityQueue),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new Subscription. typeFilter, if non-empty,
// restricts delivery to the named event types; entityFilter, if non-empty,
// restricts delivery to one EntityKey (e.g. "task:abc123").
func (b *Bus) Subscribe(typeFilter []string, entityFilter string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	tf := make(map[string]bool, len(typeFilter))
	for _, t := range typeFilter {
		tf[t] = true
	}
	sub := &Subscription{
		ID:     subscriptionID(b.nextSubID),
		Events: make(chan Event, 64),
		bus:    b,
		types:  tf,
		entity: entityFilter,
	}
	b.subs[sub.ID] = sub
	return sub
}

func subscriptionID(n int64) string {
	return "sub-" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.Events)
	}
}

// Publish delivers e to all matching local subscribers (best-effort — a
// subscriber with a full buffer is skipped rather than blocking the
// publisher) and, per EntityKey, preserves FIFO order across repeated
// calls. If a Redis client is configured, e is additionally mirrored to
// the entity's stream.
func (b *Bus) Publish(e Event) {
	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = time.Now().UTC()
	}
	e.Seq = atomic.AddUint64(&b.seq, 1)

	if e.EntityKey != "" {
		b.enqueueOrdered(e)
	} else {
		b.deliver(e)
	}

	if b.redis != nil {
		go b.mirrorToRedis(e)
	}
}

// enqueueOrdered ensures events sharing an EntityKey are delivered to
// subscribers in publish order, even though Publish itself may be called
// concurrently from multiple goroutines for different entities.
func (b *Bus) enqueueOrdered(e Event) {
	b.entityMu.Lock()
	q, ok := b.entityQueues[e.EntityKey]
	if !ok {
		q = &entityQueue{}
		b.entityQueues[e.EntityKey] = q
	}
	b.entityMu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, e)
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.mu.Unlock()

	go b.drainEntityQueue(q)
}

func (b *Bus) drainEntityQueue(q *entityQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		b.deliver(next)
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.Events <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("subscriber", sub.ID),
				zap.String("type", e.Type))
		}
	}
}

func (b *Bus) mirrorToRedis(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("failed to marshal event for redis mirror", zap.Error(err))
		return
	}
	key := e.EntityKey
	if key == "" {
		key = "broadcast:updates"
	} else {
		key = key + ":updates"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"event": string(data)},
	}
	if b.redisTTL > 0 {
		args.MaxLen = 10000
		args.Approx = true
	}
	if _, err := b.redis.XAdd(ctx, args).Result(); err != nil {
		b.logger.Warn("failed to mirror event to redis", zap.String("stream", key), zap.Error(err))
	}
}

// ReplaySince reads events from an entity's Redis stream after lastID (the
// Last-Event-ID resume token), for WebSocket/SSE clients reconnecting
// mid-stream. Returns an empty slice if no Redis mirror is configured.
func (b *Bus) ReplaySince(ctx context.Context, entityKey, lastID string) ([]Event, error) {
	if b.redis == nil {
		return nil, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	start := "(" + lastID
	res, err := b.redis.XRange(ctx, entityKey+":updates", start, "+").Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(res))
	for _, msg := range res {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
