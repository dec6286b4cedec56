package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeEmbeddingStarted is sent when an embedding call begins
	EventTypeEmbeddingStarted EventType = "embedding_started"
	// EventTypeEmbeddingProgress is sent after every encoder batch
	EventTypeEmbeddingProgress EventType = "embedding_progress"
	// EventTypeEmbeddingCompleted is sent when all rows are ready
	EventTypeEmbeddingCompleted EventType = "embedding_completed"
	// EventTypeEmbeddingFailed is sent when a call aborts
	EventTypeEmbeddingFailed EventType = "embedding_failed"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// EmbeddingStartedEvent describes a call entering the embedder
type EmbeddingStartedEvent struct {
	Source    string `json:"source"` // http, etl or cli
	Language  string `json:"language"`
	Pooling   string `json:"pooling"`
	Texts     int    `json:"texts"`
	CacheHits int    `json:"cache_hits"`
}

// EmbeddingProgressEvent reports rows finished so far
type EmbeddingProgressEvent struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// EmbeddingCompletedEvent summarizes a finished call
type EmbeddingCompletedEvent struct {
	Language     string  `json:"language"`
	Pooling      string  `json:"pooling"`
	Rows         int     `json:"rows"`
	Dims         int     `json:"dims"`
	CacheHits    int     `json:"cache_hits"`
	ProcessingMS float64 `json:"processing_ms"`
}

// EmbeddingFailedEvent reports an aborted call
type EmbeddingFailedEvent struct {
	Language string `json:"language"`
	Texts    int    `json:"texts"`
	Error    string `json:"error"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Checkpoint       string `json:"checkpoint"`
	Device           string `json:"device"`
	TotalCalls       int64  `json:"total_calls"`
	TotalTexts       int64  `json:"total_texts"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

// Subscribe replaces the client's event filter. Nil receives everything.
func (c *Client) Subscribe(s *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = s
}

// wants reports whether the client subscribed to t
func (c *Client) wants(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subscription == nil {
		return true
	}
	for _, eventType := range c.subscription.Events {
		if eventType == t {
			return true
		}
	}
	return false
}
