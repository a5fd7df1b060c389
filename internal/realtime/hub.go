package realtime

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSendBuffer = 64

// EvictionObserver is told when a subscriber is dropped for falling behind.
type EvictionObserver interface {
	SubscriberEvicted()
}

// Hub tracks which subscriber belongs to which thread group and fans frames
// out to them. A subscriber is a member of at most one group at a time.
type Hub struct {
	mu          sync.RWMutex
	groups      map[string]map[int64]*Subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
	evictions   EvictionObserver
	subscribers int
}

type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Evictions  EvictionObserver
}

// Subscriber is the outbound side of one connection.
type Subscriber struct {
	id     int64
	stream chan []byte

	mu     sync.Mutex
	group  string
	closed bool
}

func (s *Subscriber) ID() int64 {
	return s.id
}

// Stream yields frames until the subscriber is unregistered or evicted.
func (s *Subscriber) Stream() <-chan []byte {
	return s.stream
}

// Group returns the thread group the subscriber is joined to, if any.
func (s *Subscriber) Group() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// deliver enqueues without blocking. A full buffer closes the stream and
// reports false so the caller can drop the subscriber.
func (s *Subscriber) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.stream <- frame:
		return true
	default:
		s.closed = true
		close(s.stream)
		return false
	}
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.stream)
	return true
}

func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		groups:     make(map[string]map[int64]*Subscriber),
		bufferSize: bufferSize,
		logger:     logger,
		evictions:  cfg.Evictions,
	}
}

// Register creates a subscriber that is not yet part of any group.
func (h *Hub) Register() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subscribers++
	return &Subscriber{
		id:     h.nextID,
		stream: make(chan []byte, h.bufferSize),
	}
}

// Join moves the subscriber into threadID's group, leaving its previous group.
func (h *Hub) Join(subscriber *Subscriber, threadID string) {
	if subscriber == nil || threadID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber.mu.Lock()
	previous := subscriber.group
	closed := subscriber.closed
	if !closed {
		subscriber.group = threadID
	}
	subscriber.mu.Unlock()
	if closed || previous == threadID {
		return
	}
	h.removeLocked(previous, subscriber.id)
	members, ok := h.groups[threadID]
	if !ok {
		members = make(map[int64]*Subscriber)
		h.groups[threadID] = members
	}
	members[subscriber.id] = subscriber
}

// Unregister drops the subscriber from its group and closes its stream.
func (h *Hub) Unregister(subscriber *Subscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	subscriber.mu.Lock()
	group := subscriber.group
	subscriber.group = ""
	subscriber.mu.Unlock()
	h.removeLocked(group, subscriber.id)
	if subscriber.close() {
		h.subscribers--
	}
	h.mu.Unlock()
}

// Publish sends frame to every member of threadID's group except skip, which may be nil.
func (h *Hub) Publish(threadID string, frame []byte, skip *Subscriber) {
	if threadID == "" || len(frame) == 0 {
		return
	}
	h.mu.RLock()
	members := h.groups[threadID]
	recipients := make([]*Subscriber, 0, len(members))
	for _, member := range members {
		if skip != nil && member.id == skip.id {
			continue
		}
		recipients = append(recipients, member)
	}
	h.mu.RUnlock()

	for _, recipient := range recipients {
		if !recipient.deliver(frame) {
			h.evict(recipient)
		}
	}
}

// Send delivers frame to a single subscriber.
func (h *Hub) Send(subscriber *Subscriber, frame []byte) {
	if subscriber == nil || len(frame) == 0 {
		return
	}
	if !subscriber.deliver(frame) {
		h.evict(subscriber)
	}
}

// GroupSize reports how many subscribers are joined to threadID.
func (h *Hub) GroupSize(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[threadID])
}

// Subscribers reports how many registered subscribers are still open.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subscribers
}

func (h *Hub) evict(subscriber *Subscriber) {
	h.mu.Lock()
	subscriber.mu.Lock()
	group := subscriber.group
	subscriber.group = ""
	subscriber.mu.Unlock()
	h.removeLocked(group, subscriber.id)
	h.subscribers--
	h.mu.Unlock()

	h.logger.Warn("realtime subscriber evicted: send buffer full",
		zap.Int64("subscriber_id", subscriber.id),
		zap.String("thread_id", group))
	if h.evictions != nil {
		h.evictions.SubscriberEvicted()
	}
}

func (h *Hub) removeLocked(threadID string, subscriberID int64) {
	if threadID == "" {
		return
	}
	members := h.groups[threadID]
	if members == nil {
		return
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(h.groups, threadID)
	}
}
