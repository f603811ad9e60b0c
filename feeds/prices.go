package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE BUS FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams ticks and OHLC candles from the market-data bus. Ticks go through
// the coordinator's lossy queue; stale ticks are worth dropping, signals
// are not.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TickSink is the coordinator's lossy market-data ingress.
type TickSink interface {
	SubmitTick(tick types.PriceTick)
	SubmitBar(bar types.Bar)
}

// PriceFeed manages the market-data bus connection.
type PriceFeed struct {
	mu        sync.RWMutex
	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	sink   TickSink
	scrips []string

	// Last price cache for quick lookups.
	prices map[string]decimal.Decimal
}

// NewPriceFeed creates a feed subscribing to the given scrips.
func NewPriceFeed(wsURL string, scrips []string, sink TickSink) *PriceFeed {
	return &PriceFeed{
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		sink:   sink,
		scrips: scrips,
		prices: make(map[string]decimal.Decimal),
	}
}

// Start connects and begins forwarding ticks.
func (f *PriceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Int("scrips", len(f.scrips)).Msg("📡 Price feed started")
}

// Stop closes the connection.
func (f *PriceFeed) Stop() {
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
	log.Info().Msg("Price feed stopped")
}

// GetPrice returns the last seen price for a scrip.
func (f *PriceFeed) GetPrice(scrip string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prices[scrip]
}

func (f *PriceFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Price bus connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *PriceFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Price bus connected")

	if err := f.subscribe(conn); err != nil {
		log.Warn().Err(err).Msg("Price subscription failed")
	}
	go f.pingLoop(conn)
	return nil
}

func (f *PriceFeed) subscribe(conn *websocket.Conn) error {
	msg := map[string]interface{}{
		"type":   "subscribe",
		"scrips": f.scrips,
	}
	return conn.WriteJSON(msg)
}

func (f *PriceFeed) pingLoop(conn *websocket.Conn) {
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

func (f *PriceFeed) readLoop() {
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
			log.Warn().Err(err).Msg("Price bus read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// wsMessage covers both tick and candle events on the bus.
type wsMessage struct {
	EventType string `json:"event_type"` // "tick" or "candle"
	ScripCode string `json:"scrip_code"`
	Price     string `json:"price"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Timestamp int64  `json:"ts_ms"`
}

func (f *PriceFeed) processMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.ScripCode == "" {
		return
	}
	ts := time.UnixMilli(msg.Timestamp)

	switch msg.EventType {
	case "candle":
		open, err1 := decimal.NewFromString(msg.Open)
		high, err2 := decimal.NewFromString(msg.High)
		low, err3 := decimal.NewFromString(msg.Low)
		cls, err4 := decimal.NewFromString(msg.Close)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return
		}
		f.cache(msg.ScripCode, cls)
		f.sink.SubmitBar(types.Bar{
			ScripCode: msg.ScripCode,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Timestamp: ts,
		})

	default: // tick
		px, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return
		}
		f.cache(msg.ScripCode, px)
		f.sink.SubmitTick(types.PriceTick{
			ScripCode: msg.ScripCode,
			Price:     px,
			Timestamp: ts,
		})
	}
}

func (f *PriceFeed) cache(scrip string, px decimal.Decimal) {
	f.mu.Lock()
	f.prices[scrip] = px
	f.mu.Unlock()
}
