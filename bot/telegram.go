package bot

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   📈 Entry / exit / partial-exit notifications
//   📊 Portfolio state on demand
//   🎛️ Control commands (/status, /positions, /pause, /resume, /exitall)
//   🔐 Emergency-stop reset, operator-attributed
//
// ═══════════════════════════════════════════════════════════════════════════════

// Control is the coordinator surface the bot drives.
type Control interface {
	Pause()
	Resume()
	Paused() bool
	EmergencyExitAll(reason string) int
	Diagnostics() map[string]interface{}
}

// PositionView lists open trades for /positions.
type PositionView interface {
	Snapshot() []*types.ActiveTrade
}

// RiskView exposes account state and the emergency-stop latch.
type RiskView interface {
	Snapshot() types.PortfolioUpdateEvent
	EmergencyActive() bool
	ResetEmergency(operatorID string) error
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	control   Control
	positions PositionView
	risk      RiskView
}

// New creates the bot against an existing API token and chat id.
func New(token string, chatID int64, control Control, positions PositionView, risk RiskView) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:       api,
		chatID:    chatID,
		stopCh:    make(chan struct{}),
		control:   control,
		positions: positions,
		risk:      risk,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// Send implements the chat notification port. The channel argument is
// ignored; this bot is bound to a single operator chat.
func (b *TelegramBot) Send(_ string, text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	_, err := b.api.Send(msg)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// Only respond to the authorized chat.
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	args := msg.CommandArguments()

	switch cmd {
	case "help", "start":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.control.Pause()
		b.send("⏸️ Signal admission paused. Open positions keep managing.")
	case "resume":
		b.control.Resume()
		b.send("▶️ Signal admission resumed.")
	case "exitall":
		n := b.control.EmergencyExitAll("OPERATOR_COMMAND")
		b.send(fmt.Sprintf("🚨 Emergency exit complete: %d position(s) closed. Emergency stop latched.", n))
	case "resetrisk":
		operator := strings.TrimSpace(args)
		if operator == "" {
			b.send("Usage: /resetrisk <operator_id>")
			return
		}
		if err := b.risk.ResetEmergency(operator); err != nil {
			b.send("❌ " + err.Error())
			return
		}
		b.send("✅ Emergency stop reset by " + operator)
	default:
		b.send("Unknown command. Use /help.")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *TRADEFABRIC COMMANDS*

/status — pipeline & portfolio state
/positions — open trades
/pause — stop admitting new signals
/resume — resume signal admission
/exitall — flatten everything, latch emergency stop
/resetrisk <operator> — clear emergency stop`)
}

func (b *TelegramBot) cmdStatus() {
	snap := b.risk.Snapshot()
	d := b.control.Diagnostics()

	mode := "▶️ ACTIVE"
	if b.control.Paused() {
		mode = "⏸️ PAUSED"
	}
	if b.risk.EmergencyActive() {
		mode = "🚨 EMERGENCY STOP"
	}

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, d[k])
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *STATUS* — %s
━━━━━━━━━━━━━━━━━━━━
💰 Value: *%s*
📈 PnL: *%s* (%s%%)
━━━━━━━━━━━━━━━━━━━━
%s`,
		mode,
		snap.CurrentValue.StringFixed(2),
		snap.TotalPnL.StringFixed(2),
		snap.ROIPct.StringFixed(2),
		sb.String(),
	))
}

func (b *TelegramBot) cmdPositions() {
	trades := b.positions.Snapshot()
	if len(trades) == 0 {
		b.send("No open positions.")
		return
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].ScripCode < trades[j].ScripCode })

	var sb strings.Builder
	sb.WriteString("📈 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, t := range trades {
		fmt.Fprintf(&sb, "*%s* %s [%s]\n", t.ScripCode, t.Side, t.Status)
		if t.Status == types.StatusWaitingForEntry {
			fmt.Fprintf(&sb, "  signal %s  stop %s  t1 %s\n",
				t.SignalPrice.StringFixed(2), t.StopLoss.StringFixed(2), t.Target1.StringFixed(2))
			continue
		}
		fmt.Fprintf(&sb, "  entry %s  qty %d  last %s  pnl %s\n",
			t.EntryPrice.StringFixed(2), t.PositionSize,
			t.LastSeenPrice.StringFixed(2), t.RealizedPnL.StringFixed(2))
		if t.Target1Hit {
			fmt.Fprintf(&sb, "  trailing %s\n", t.TrailingStop.StringFixed(2))
		}
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) send(text string) {
	if err := b.Send("", text); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
