package feeds

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUS FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to the upstream strategy bus over WebSocket and forwards signals
// into the coordinator. The coordinator queue applies backpressure, so a
// slow pipeline slows the read loop instead of dropping signals.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// SignalSink is the coordinator's blocking signal ingress.
type SignalSink interface {
	SubmitSignal(ctx context.Context, sig types.Signal) error
}

// SignalFeed manages the signal bus connection.
type SignalFeed struct {
	mu        sync.RWMutex
	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	sink SignalSink
}

// NewSignalFeed creates a feed against the given bus URL.
func NewSignalFeed(wsURL string, sink SignalSink) *SignalFeed {
	return &SignalFeed{
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		sink:   sink,
	}
}

// Start connects and begins forwarding signals.
func (f *SignalFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Signal feed started")
}

// Stop closes the connection.
func (f *SignalFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Signal feed stopped")
}

func (f *SignalFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Signal bus connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *SignalFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Signal bus connected")
	go f.pingLoop(conn)
	return nil
}

func (f *SignalFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn
			connected := f.connected
			f.mu.RUnlock()
			if !connected || current != conn {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (f *SignalFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Signal bus read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

func (f *SignalFeed) processMessage(data []byte) {
	var sig types.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Warn().Err(err).Msg("Unparseable signal message dropped")
		return
	}
	if sig.ScripCode == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.sink.SubmitSignal(ctx, sig); err != nil {
		log.Error().Err(err).Str("scrip", sig.ScripCode).Msg("Signal submission failed")
	}
}
