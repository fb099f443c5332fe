// Package sse streams lifecycle activity to connected operators over
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"log/slog"
	"sync"

	"lifecycle_backend/platform/httpkit"
	"lifecycle_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventStatusChanged        EventType = "status_changed"
	EventExternalEventApplied EventType = "external_event_applied"
	EventExternalEventFailed  EventType = "external_event_failed"
)

const clientBuffer = 32

// Event represents an SSE event payload
type Event struct {
	Type       EventType  `json:"type"`
	EntityKind string     `json:"entityKind,omitempty"`
	EntityID   *uuid.UUID `json:"entityId,omitempty"`
	Message    string     `json:"message,omitempty"`
	Data       any        `json:"data,omitempty"`
}

// client represents a connected SSE client
type client struct {
	userID uuid.UUID
	events chan Event
}

// Service manages SSE connections and event broadcasting
type Service struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

func (s *Service) subscribe(userID uuid.UUID) *client {
	c := &client{userID: userID, events: make(chan Event, clientBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Service) unsubscribe(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.events)
	}
}

// ClientCount returns the number of connected clients.
func (s *Service) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends event to every connected client. Slow clients whose buffer
// is full miss the event.
func (s *Service) Broadcast(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		select {
		case c.events <- event:
		default:
			s.log.Warn("sse buffer full, dropping event",
				slog.String("user_id", c.userID.String()),
				slog.String("event", string(event.Type)),
			)
		}
	}
}

// Handler streams events to the authenticated caller until it disconnects.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := httpkit.MustGetIdentity(c)
		if identity == nil {
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		cl := s.subscribe(identity.UserID())
		defer s.unsubscribe(cl)

		c.SSEvent("connected", gin.H{"userId": identity.UserID()})
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case event, ok := <-cl.events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close disconnects every client.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		close(c.events)
	}
	s.clients = make(map[*client]struct{})
}
