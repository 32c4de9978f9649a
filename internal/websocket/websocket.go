package websocket

import (
	"log"
	"sync"

	"github.com/automail/engine/internal/database"
	"github.com/gorilla/websocket"
)

// Manager pushes engine activity to connected dashboard clients: queue
// metrics, the last run summary, and the most recent step executions.
type Manager struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	db        *database.DB
}

// New creates a new activity-stream manager
func New(db *database.DB) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]bool),
		db:      db,
	}
}

// AddClient adds a new WebSocket client and sends it an initial snapshot
func (m *Manager) AddClient(conn *websocket.Conn) {
	m.clientsMu.Lock()
	m.clients[conn] = true
	m.clientsMu.Unlock()

	log.Printf("[WS] client connected total=%d", m.ClientCount())

	m.sendSnapshot(conn)

	// Drain reads until the peer goes away, then drop the client.
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WS] client disconnected total=%d", m.ClientCount())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends a fresh snapshot to all connected clients. Called by the
// engine after each run and each step execution.
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for client := range m.clients {
		go m.sendSnapshot(client)
	}
}

// sendSnapshot sends current engine state to a specific client
func (m *Manager) sendSnapshot(conn *websocket.Conn) {
	queueMetrics, _ := m.db.GetQueueMetrics()
	lastRun, _ := m.db.LastEngineRun()
	executions, _ := m.db.RecentStepExecutions(25)

	snapshot := map[string]interface{}{
		"queue":             queueMetrics,
		"last_run":          lastRun,
		"recent_executions": executions,
	}

	if err := conn.WriteJSON(snapshot); err != nil {
		log.Printf("[WS] failed to send snapshot: %v", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
