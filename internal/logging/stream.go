package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrMaxConnectionsReached is returned when the streamer refuses a new client.
var ErrMaxConnectionsReached = errors.New("maximum WebSocket connections reached")

// Entry is a single log line as delivered to streaming clients.
type Entry struct {
	ID        uint64                 `json:"id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Streamer keeps a bounded history of log entries and broadcasts new ones
// to connected WebSocket clients. The management UI subscribes here.
// Each client gets a dedicated writer goroutine, so a connection is only
// ever written from one goroutine.
type Streamer struct {
	clients    map[*websocket.Conn]chan Entry
	broadcast  chan Entry
	mu         sync.RWMutex
	stopCh     chan struct{}
	history    []Entry
	historyMu  sync.RWMutex
	seq        uint64
	historyCap int
	maxClients int
}

var (
	globalStreamer *Streamer
	streamerOnce   sync.Once
)

// GetStreamer returns the process-wide log streamer, starting it on first use.
func GetStreamer() *Streamer {
	streamerOnce.Do(func() {
		globalStreamer = NewStreamer()
		globalStreamer.Start()
	})
	return globalStreamer
}

func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]chan Entry),
		broadcast:  make(chan Entry, 100),
		stopCh:     make(chan struct{}),
		history:    make([]Entry, 0, 500),
		historyCap: 500,
		maxClients: 50,
	}
}

// Start launches the broadcast goroutine. Entries are fanned out to the
// per-client channels; a client whose buffer is full misses the entry
// rather than stalling the others.
func (s *Streamer) Start() {
	go func() {
		for {
			select {
			case entry := <-s.broadcast:
				s.mu.RLock()
				for _, send := range s.clients {
					select {
					case send <- entry:
					default:
					}
				}
				s.mu.RUnlock()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the streamer and disconnects all clients.
func (s *Streamer) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, send := range s.clients {
		close(send)
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]chan Entry)
}

// AddClient registers a WebSocket connection for live log delivery and
// starts its writer.
func (s *Streamer) AddClient(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.maxClients {
		return ErrMaxConnectionsReached
	}
	send := make(chan Entry, 32)
	s.clients[conn] = send
	go s.writeLoop(conn, send)
	return nil
}

// writeLoop is the sole writer for conn.
func (s *Streamer) writeLoop(conn *websocket.Conn, send <-chan Entry) {
	for entry := range send {
		if err := conn.WriteJSON(entry); err != nil {
			log.Debugf("log stream write failed: %v", err)
			s.RemoveClient(conn)
			return
		}
	}
}

// RemoveClient drops a client, stops its writer and closes the
// connection.
func (s *Streamer) RemoveClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if send, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(send)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Publish records an entry in the history and broadcasts it. Full broadcast
// buffers drop the entry rather than block the logger.
func (s *Streamer) Publish(level, message string, fields map[string]interface{}) {
	entry := Entry{
		ID:        atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}

	s.historyMu.Lock()
	s.history = append(s.history, entry)
	if len(s.history) > s.historyCap {
		excess := len(s.history) - s.historyCap
		s.history = append([]Entry(nil), s.history[excess:]...)
	}
	s.historyMu.Unlock()

	select {
	case s.broadcast <- entry:
	default:
	}
}

// History returns up to limit of the most recent entries.
func (s *Streamer) History(limit int) []Entry {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Entry, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// Hook is a logrus hook that feeds the streamer.
type Hook struct {
	streamer *Streamer
}

func NewHook() *Hook {
	return &Hook{streamer: GetStreamer()}
}

func (h *Hook) Levels() []log.Level {
	return log.AllLevels
}

func (h *Hook) Fire(entry *log.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.streamer.Publish(entry.Level.String(), entry.Message, fields)
	return nil
}

// InstallStreaming attaches the streaming hook to the global logger.
func InstallStreaming() {
	log.AddHook(NewHook())
}
