package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) handleWSConnections(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}
	stats := s.hub.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_connections": stats.TotalConnections,
		"connections":       stats.Connections,
	})
}

func (s *Server) handleWSTopics(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}

	stats := s.hub.Stats()
	type topicInfo struct {
		Topic         string   `json:"topic"`
		Subscribers   int      `json:"subscribers"`
		SubscriberIDs []string `json:"subscriber_ids"`
	}

	topics := make(map[string]*topicInfo)
	for clientID, info := range stats.Connections {
		for _, topic := range info.Subscriptions {
			t, ok := topics[topic]
			if !ok {
				t = &topicInfo{Topic: topic}
				topics[topic] = t
			}
			t.Subscribers++
			t.SubscriberIDs = append(t.SubscriberIDs, clientID)
		}
	}

	list := make([]*topicInfo, 0, len(topics))
	for _, t := range topics {
		list = append(list, t)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_topics": len(list),
		"topics":       list,
	})
}

func (s *Server) handleWSBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}

	topic := chi.URLParam(r, "topic")
	if topic == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "topic is required")
		return
	}

	var payload map[string]interface{}
	if !s.decodeJSON(w, r, &payload) {
		return
	}

	sent := s.hub.BroadcastToTopic(topic, payload)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"topic":      topic,
		"sent_count": sent,
	})
}

func (s *Server) handleWSDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}

	clientID := chi.URLParam(r, "client_id")
	s.hub.Disconnect(clientID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"client_id": clientID,
	})
}

func (s *Server) handleWSCleanup(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "connection manager is not initialized")
		return
	}

	cleaned := s.hub.CleanupInactive()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"cleaned_count": cleaned,
	})
}
