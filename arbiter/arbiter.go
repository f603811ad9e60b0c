package arbiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL ARBITER - Two-layer winner selection
// ═══════════════════════════════════════════════════════════════════════════════
//
// Layer 1: per-scrip dedup window. One slot per source class; CONFIRMED
// beats UNCONFIRMED when the window closes.
//
// Layer 2: cross-instrument batch window. Layer-1 winners accumulate keyed
// by scrip; on close the best rank score survives, the rest are superseded.
//
// CATEGORY:<name> sources skip Layer 1 and run in a private Layer-2 lane,
// so independent categories can each produce one winner per window.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Arbiter buffers competing signals and forwards a single winner per window.
type Arbiter struct {
	sched    clock.Scheduler
	holdDur  time.Duration
	batchDur time.Duration

	onWinner     func(types.Signal)
	onSuperseded func(types.Signal, string)

	mu     sync.Mutex
	groups map[string]*group

	lanesMu     sync.Mutex
	defaultLane *lane
	lanes       map[string]*lane
}

// group is the Layer-1 per-scrip dedup buffer.
type group struct {
	mu       sync.Mutex
	scrip    string
	slots    map[string]types.Signal // source class -> latest signal
	timer    clock.Handle
	resolved bool
}

type batchEntry struct {
	sig        types.Signal
	score      float64
	receivedAt time.Time
}

// lane is a Layer-2 batch. The default lane receives Layer-1 winners;
// category lanes receive their signals directly.
type lane struct {
	mu      sync.Mutex
	name    string
	entries map[string]batchEntry // scrip -> latest entry
	timer   clock.Handle
	armed   bool
	score   ScoreFunc
}

// New creates an arbiter. onWinner receives the surviving signal of each
// window; onSuperseded receives every loser with its terminal reason.
func New(sched clock.Scheduler, holdDur, batchDur time.Duration, onWinner func(types.Signal), onSuperseded func(types.Signal, string)) *Arbiter {
	a := &Arbiter{
		sched:        sched,
		holdDur:      holdDur,
		batchDur:     batchDur,
		onWinner:     onWinner,
		onSuperseded: onSuperseded,
		groups:       make(map[string]*group),
		lanes:        make(map[string]*lane),
	}
	a.defaultLane = &lane{entries: make(map[string]batchEntry), score: RankScore}
	return a
}

// Submit buffers a signal. Category signals go straight to their lane;
// everything else enters the per-scrip dedup window.
func (a *Arbiter) Submit(sig types.Signal) {
	if cat := sig.Category(); cat != "" {
		a.lane(cat).submit(a, sig)
		return
	}

	a.mu.Lock()
	g, ok := a.groups[sig.ScripCode]
	if !ok {
		g = &group{scrip: sig.ScripCode, slots: make(map[string]types.Signal)}
		a.groups[sig.ScripCode] = g
		scrip := sig.ScripCode
		g.timer = a.sched.ScheduleOnce(a.holdDur, func() { a.resolveGroup(scrip) })
	}
	a.mu.Unlock()

	g.mu.Lock()
	// Latest wins within its class; the window timer is never reset.
	g.slots[classOf(sig)] = sig
	g.mu.Unlock()

	log.Debug().
		Str("scrip", sig.ScripCode).
		Str("source", sig.Source).
		Msg("Signal buffered")
}

func classOf(sig types.Signal) string {
	if sig.Source == types.SourceConfirmed {
		return types.SourceConfirmed
	}
	return types.SourceUnconfirmed
}

// resolveGroup closes a Layer-1 window: CONFIRMED beats UNCONFIRMED, the
// loser is superseded, the winner moves to the batch. Resolving an already
// resolved group is a no-op.
func (a *Arbiter) resolveGroup(scrip string) {
	a.mu.Lock()
	g, ok := a.groups[scrip]
	if ok {
		delete(a.groups, scrip)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	winner, hasWinner := g.slots[types.SourceConfirmed]
	loser, hasLoser := g.slots[types.SourceUnconfirmed]
	if !hasWinner {
		winner, hasWinner = loser, hasLoser
		hasLoser = false
	}
	g.mu.Unlock()

	if !hasWinner {
		return
	}
	if hasLoser {
		log.Info().
			Str("scrip", scrip).
			Str("loser", loser.Source).
			Str("winner", winner.Source).
			Msg("Signal superseded in dedup window")
		metrics.SignalsSuperseded.Inc()
		a.onSuperseded(loser, types.SupersededBy(winner.Source))
	}
	a.defaultLane.submit(a, winner)
}

func (a *Arbiter) lane(name string) *lane {
	a.lanesMu.Lock()
	defer a.lanesMu.Unlock()
	l, ok := a.lanes[name]
	if !ok {
		l = &lane{name: name, entries: make(map[string]batchEntry), score: laneScore(name)}
		a.lanes[name] = l
	}
	return l
}

func (l *lane) submit(a *Arbiter, sig types.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[sig.ScripCode] = batchEntry{
		sig:        sig,
		score:      l.score(sig),
		receivedAt: sig.ReceivedAt,
	}
	if !l.armed {
		l.armed = true
		l.timer = a.sched.ScheduleOnce(a.batchDur, func() { l.flush(a) })
	}
}

// flush closes a Layer-2 window: size one passes through, otherwise the
// highest rank score wins and the rest are superseded. A second flush of
// the same window is a no-op.
func (l *lane) flush(a *Arbiter) {
	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return
	}
	l.armed = false
	entries := l.entries
	l.entries = make(map[string]batchEntry)
	l.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	var best batchEntry
	first := true
	for _, e := range entries {
		if first || e.score > best.score ||
			(e.score == best.score && e.receivedAt.Before(best.receivedAt)) {
			best = e
			first = false
		}
	}

	for scrip, e := range entries {
		if scrip == best.sig.ScripCode {
			continue
		}
		log.Info().
			Str("lane", l.name).
			Str("scrip", scrip).
			Float64("score", e.score).
			Str("winner", best.sig.ScripCode).
			Float64("winner_score", best.score).
			Msg("Signal superseded in batch")
		metrics.SignalsSuperseded.Inc()
		a.onSuperseded(e.sig, types.SupersededByBest(best.sig.ScripCode))
	}

	log.Info().
		Str("lane", l.name).
		Str("scrip", best.sig.ScripCode).
		Float64("score", best.score).
		Int("batch_size", len(entries)).
		Msg("🏁 Batch winner selected")
	a.onWinner(best.sig)
}

// Flush resolves every outstanding window inline. Called on shutdown so no
// buffered signal is lost; duplicate flushes are no-ops.
func (a *Arbiter) Flush() {
	a.mu.Lock()
	scrips := make([]string, 0, len(a.groups))
	for scrip := range a.groups {
		scrips = append(scrips, scrip)
	}
	a.mu.Unlock()

	for _, scrip := range scrips {
		a.resolveGroup(scrip)
	}

	a.defaultLane.flush(a)

	a.lanesMu.Lock()
	lanes := make([]*lane, 0, len(a.lanes))
	for _, l := range a.lanes {
		lanes = append(lanes, l)
	}
	a.lanesMu.Unlock()
	for _, l := range lanes {
		l.flush(a)
	}
}

// Outstanding reports buffered groups and batch entries, for diagnostics.
func (a *Arbiter) Outstanding() (groups, batched int) {
	a.mu.Lock()
	groups = len(a.groups)
	a.mu.Unlock()

	a.defaultLane.mu.Lock()
	batched = len(a.defaultLane.entries)
	a.defaultLane.mu.Unlock()

	a.lanesMu.Lock()
	defer a.lanesMu.Unlock()
	for _, l := range a.lanes {
		l.mu.Lock()
		batched += len(l.entries)
		l.mu.Unlock()
	}
	return groups, batched
}
