package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the connection manager's tunables.
type Config struct {
	HeartbeatInterval time.Duration // Server ping cadence
	HeartbeatTimeout  time.Duration // Disconnect when last pong is older than this
	IdleThreshold     time.Duration // CleanupInactive reaps sessions idle longer than this
	SendQueueSize     int           // Per-session outbound queue bound
	WriteTimeout      time.Duration // Per-frame transport write deadline
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 5 * time.Minute
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// SessionInfo is the per-session slice of ConnectionStats.
type SessionInfo struct {
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActivity  time.Time `json:"last_activity"`
	DroppedFrames uint64    `json:"dropped_frames"`
}

// ConnectionStats summarizes the hub state.
type ConnectionStats struct {
	TotalConnections   int                    `json:"total_connections"`
	TotalSubscriptions int                    `json:"total_subscriptions"`
	TopicsCount        int                    `json:"topics_count"`
	Connections        map[string]SessionInfo `json:"connections"`
}

// Hub owns the set of live sessions and the topic index.
//
// The session and topic maps are guarded by one RWMutex; the invariant
// "topic ∈ session.subscriptions ⇔ session ∈ subscribers(topic)" only
// ever changes under the write lock. Broadcasts snapshot the subscriber
// list under the read lock and enqueue outside it, so a slow consumer
// never blocks a publisher.
type Hub struct {
	cfg Config
	log zerolog.Logger

	mu            sync.RWMutex
	sessions      map[string]*Session
	topics        map[string]map[string]*Session
	subscriptions map[string]map[string]struct{} // clientID -> topic set

	handler MessageHandler

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MessageHandler consumes inbound frames for a session. Injected as a
// narrow interface so the hub stays the sole owner of session state.
type MessageHandler interface {
	HandleMessage(s *Session, raw []byte)
}

// NewHub creates a connection manager.
func NewHub(cfg Config, log zerolog.Logger) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:           cfg,
		log:           log.With().Str("component", "connection_manager").Logger(),
		sessions:      make(map[string]*Session),
		topics:        make(map[string]map[string]*Session),
		subscriptions: make(map[string]map[string]struct{}),
		stop:          make(chan struct{}),
	}
}

// SetHandler wires the inbound frame handler. Must be called before Connect.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Start launches the heartbeat monitor.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
	h.log.Info().
		Dur("interval", h.cfg.HeartbeatInterval).
		Dur("timeout", h.cfg.HeartbeatTimeout).
		Msg("Connection manager started")
}

// Stop disconnects every session and stops the heartbeat monitor.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
	h.wg.Wait()
	h.log.Info().Msg("Connection manager stopped")
}

// Connect registers a session, sends the connection ack, and starts the
// reader/writer pumps. Fails if the client id is already registered.
func (h *Hub) Connect(transport Transport, clientID, userID string) (*Session, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id must not be empty")
	}

	s := newSession(clientID, userID, transport, h.cfg.SendQueueSize)

	h.mu.Lock()
	if _, exists := h.sessions[clientID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("client %s is already connected", clientID)
	}
	h.sessions[clientID] = s
	h.subscriptions[clientID] = make(map[string]struct{})
	h.mu.Unlock()

	h.sendFrame(s, (&Frame{Type: FrameConnectionAck, ClientID: clientID}).stamp())

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writeLoop(h.cfg.WriteTimeout, func(err error) {
			h.log.Debug().Err(err).Str("client_id", clientID).Msg("Write failed, disconnecting")
			go h.Disconnect(clientID)
		})
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(s)
	}()

	h.log.Info().Str("client_id", clientID).Str("user_id", userID).Msg("Client connected")
	return s, nil
}

// Disconnect removes the session from every topic, closes the transport,
// and cancels the pumps. Idempotent.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, clientID)
	for topic := range h.subscriptions[clientID] {
		h.removeSubscriberLocked(topic, clientID)
	}
	delete(h.subscriptions, clientID)
	h.mu.Unlock()

	s.shutdown()
	h.log.Info().Str("client_id", clientID).Msg("Client disconnected")
}

// Subscribe adds the topic to the session's set and the session to the
// topic index, then acks.
func (h *Hub) Subscribe(clientID, topic string) error {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("client %s is not connected", clientID)
	}
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]*Session)
	}
	h.topics[topic][clientID] = s
	h.subscriptions[clientID][topic] = struct{}{}
	h.mu.Unlock()

	h.sendFrame(s, (&Frame{Type: FrameSubscribeAck, Topic: topic}).stamp())
	h.log.Debug().Str("client_id", clientID).Str("topic", topic).Msg("Subscribed")
	return nil
}

// Unsubscribe removes the subscription; the topic disappears from the
// index when its last subscriber leaves.
func (h *Hub) Unsubscribe(clientID, topic string) error {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("client %s is not connected", clientID)
	}
	h.removeSubscriberLocked(topic, clientID)
	delete(h.subscriptions[clientID], topic)
	h.mu.Unlock()

	h.sendFrame(s, (&Frame{Type: FrameUnsubscribeAck, Topic: topic}).stamp())
	h.log.Debug().Str("client_id", clientID).Str("topic", topic).Msg("Unsubscribed")
	return nil
}

// SendToClient enqueues one data frame for a single session. Returns false
// when the session is gone or its queue is closed.
func (h *Hub) SendToClient(clientID string, payload interface{}) bool {
	h.mu.RLock()
	s, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("client_id", clientID).Msg("Failed to marshal payload")
		return false
	}
	frame := (&Frame{Type: FrameData, Payload: raw}).stamp()
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return s.enqueue(data, false) == nil
}

// BroadcastToTopic enqueues the payload to every current subscriber and
// returns the number of sessions that accepted it. The frame is stamped
// with the topic and a server timestamp and marshaled once.
func (h *Hub) BroadcastToTopic(topic string, payload interface{}) int {
	h.mu.RLock()
	subscribers := make([]*Session, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subscribers = append(subscribers, s)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return 0
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal broadcast payload")
		return 0
	}
	frame := (&Frame{Type: FrameData, Topic: topic, Payload: raw}).stamp()
	data, err := json.Marshal(frame)
	if err != nil {
		return 0
	}

	sent := 0
	for _, s := range subscribers {
		if s.enqueue(data, false) == nil {
			sent++
		}
	}
	return sent
}

// CleanupInactive disconnects sessions idle past the threshold and returns
// the count reaped.
func (h *Hub) CleanupInactive() int {
	cutoff := time.Now().Add(-h.cfg.IdleThreshold)

	h.mu.RLock()
	var idle []string
	for id, s := range h.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.log.Info().Str("client_id", id).Msg("Reaping idle session")
		h.Disconnect(id)
	}
	return len(idle)
}

// TopicSubscribers returns the client ids subscribed to a topic.
func (h *Hub) TopicSubscribers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of the hub state.
func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(h.sessions),
		TopicsCount:      len(h.topics),
		Connections:      make(map[string]SessionInfo, len(h.sessions)),
	}
	for id, s := range h.sessions {
		topics := make([]string, 0, len(h.subscriptions[id]))
		for topic := range h.subscriptions[id] {
			topics = append(topics, topic)
		}
		stats.TotalSubscriptions += len(topics)
		stats.Connections[id] = SessionInfo{
			ClientID:      id,
			UserID:        s.UserID(),
			Subscriptions: topics,
			ConnectedAt:   s.ConnectedAt(),
			LastHeartbeat: s.LastHeartbeat(),
			LastActivity:  s.LastActivity(),
			DroppedFrames: s.DroppedFrames(),
		}
	}
	return stats
}

// Session returns the live session for a client id, if any.
func (h *Hub) Session(clientID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[clientID]
	return s, ok
}

// removeSubscriberLocked must be called with the write lock held.
func (h *Hub) removeSubscriberLocked(topic, clientID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// sendFrame marshals and enqueues a control frame.
func (h *Hub) sendFrame(s *Session, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("client_id", s.ClientID()).Msg("Failed to marshal frame")
		return
	}
	if err := s.enqueue(data, isControl(frame.Type)); err != nil {
		h.log.Debug().Err(err).Str("client_id", s.ClientID()).Msg("Failed to enqueue frame")
	}
}

// readLoop consumes inbound frames for one session. Transport errors tear
// the session down; protocol errors are the handler's concern and leave
// the session up.
func (h *Hub) readLoop(s *Session) {
	for {
		data, err := s.transport.ReadMessage(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				// Intentional disconnect.
			default:
				h.log.Debug().Err(err).Str("client_id", s.ClientID()).Msg("Read failed, disconnecting")
				h.Disconnect(s.ClientID())
			}
			return
		}

		s.touchActivity()
		if h.handler != nil {
			h.handler.HandleMessage(s, data)
		}
	}
}

// heartbeatLoop pings every session on the interval and disconnects those
// whose last pong is older than the timeout.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.heartbeatTick()
		}
	}
}

func (h *Hub) heartbeatTick() {
	cutoff := time.Now().Add(-h.cfg.HeartbeatTimeout)

	h.mu.RLock()
	var stale []string
	live := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			stale = append(stale, id)
		} else {
			live = append(live, s)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.log.Info().Str("client_id", id).Msg("Heartbeat timeout, disconnecting")
		h.Disconnect(id)
	}
	for _, s := range live {
		h.sendFrame(s, (&Frame{Type: FramePing}).stamp())
	}
}

// touchHeartbeat is called by the message handler on pong frames.
func (h *Hub) touchHeartbeat(s *Session) {
	s.touchHeartbeat()
}
