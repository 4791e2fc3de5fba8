// Package quota tracks locally observed API usage against the YouTube
// daily unit budget and the Gemini per-minute and per-day request budgets.
//
// Resets are lazy: every read checks whether a cadence has elapsed and
// applies the reset before returning. No timers run in the background.
package quota

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/tubescope/internal/metrics"
	"github.com/kalambet/tubescope/internal/storage"
)

const (
	Key = "api_quota_usage"

	// YouTubeDailyLimit is the default Data API unit budget.
	YouTubeDailyLimit = 10000
	// YouTubeAnalysisCost is the summed cost of one channel analysis:
	// channels.list (1) + search.list (100) + videos.list (1).
	YouTubeAnalysisCost = 102

	minuteMs = 60_000
	dayMs    = 86_400_000
)

// youtubeZone is where the YouTube quota day rolls over. The fixed offset
// ignores daylight saving.
var youtubeZone = time.FixedZone("UTC-8", -8*60*60)

type Provider string

const (
	YouTube     Provider = "youtube"
	Gemini      Provider = "gemini"
	GeminiDaily Provider = "gemini_daily"
)

type YouTubeUsage struct {
	Used      int   `json:"used"`
	Total     int   `json:"total"`
	LastReset int64 `json:"lastReset"`
}

type GeminiUsage struct {
	RequestsUsed       int    `json:"requestsUsed"`
	RequestsTotal      int    `json:"requestsTotal"`
	RequestsUsedDaily  int    `json:"requestsUsedDaily"`
	RequestsTotalDaily int    `json:"requestsTotalDaily"`
	LastReset          int64  `json:"lastReset"`
	LastResetDaily     int64  `json:"lastResetDaily"`
	Model              string `json:"model"`
	Tier               Tier   `json:"tier"`
}

// Usage is the single persisted usage record.
type Usage struct {
	YouTube     YouTubeUsage `json:"youtube"`
	Gemini      GeminiUsage  `json:"gemini"`
	LastUpdated int64        `json:"lastUpdated"`
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	// Model and Tier seed a fresh record. Defaults: DefaultModel, free.
	Model  string
	Tier   Tier
	Clock  Clock
	Logger *slog.Logger
}

// Tracker reads and updates the usage record. Trackers sharing an area do
// not coordinate; the last write wins.
type Tracker struct {
	area   storage.Area
	model  string
	tier   Tier
	clock  Clock
	logger *slog.Logger

	mu sync.Mutex
}

func New(area storage.Area, opts Options) *Tracker {
	t := &Tracker{
		area:   area,
		model:  opts.Model,
		tier:   opts.Tier,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if t.model == "" {
		t.model = DefaultModel
	}
	if t.tier == "" {
		t.tier = TierFree
	}
	if t.clock == nil {
		t.clock = realClock{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Usage returns the current record after applying any due resets.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read()
}

// RecordYouTube adds cost units to the YouTube counter. A non-positive
// cost records one analysis.
func (t *Tracker) RecordYouTube(cost int) Usage {
	if cost <= 0 {
		cost = YouTubeAnalysisCost
	}
	return t.modify(func(u *Usage) {
		u.YouTube.Used += cost
	})
}

// RecordGemini counts one request against both Gemini windows.
func (t *Tracker) RecordGemini() Usage {
	return t.modify(func(u *Usage) {
		u.Gemini.RequestsUsed++
		u.Gemini.RequestsUsedDaily++
	})
}

// UpdateGeminiLimits recomputes the Gemini totals for model and tier.
// Used counters are not touched.
func (t *Tracker) UpdateGeminiLimits(model string, tier Tier) Usage {
	if model == "" {
		model = DefaultModel
	}
	if tier == "" {
		tier = TierFree
	}
	l := Limits(model, tier)
	return t.modify(func(u *Usage) {
		u.Gemini.Model = model
		u.Gemini.Tier = tier
		u.Gemini.RequestsTotal = l.PerMinute
		u.Gemini.RequestsTotalDaily = l.PerDay
	})
}

// Reset zeroes the counter of p and restarts its window.
func (t *Tracker) Reset(p Provider) Usage {
	return t.modify(func(u *Usage) {
		now := t.clock.Now().UnixMilli()
		switch p {
		case YouTube:
			u.YouTube.Used, u.YouTube.LastReset = 0, now
		case Gemini:
			u.Gemini.RequestsUsed, u.Gemini.LastReset = 0, now
		case GeminiDaily:
			u.Gemini.RequestsUsedDaily, u.Gemini.LastResetDaily = 0, now
		}
	})
}

// Percentage returns round(used/total*100) for p. It is not clamped, so an
// overrun reads above 100.
func (t *Tracker) Percentage(p Provider) int {
	used, total := counters(t.Usage(), p)
	return percentage(used, total)
}

// Remaining returns the budget left for p, never below zero.
func (t *Tracker) Remaining(p Provider) int {
	used, total := counters(t.Usage(), p)
	return max(total-used, 0)
}

// Color maps a percentage to a display band.
func Color(percentage int) string {
	switch {
	case percentage >= 90:
		return "red"
	case percentage >= 70:
		return "yellow"
	default:
		return "green"
	}
}

func counters(u Usage, p Provider) (used, total int) {
	switch p {
	case YouTube:
		return u.YouTube.Used, u.YouTube.Total
	case Gemini:
		return u.Gemini.RequestsUsed, u.Gemini.RequestsTotal
	case GeminiDaily:
		return u.Gemini.RequestsUsedDaily, u.Gemini.RequestsTotalDaily
	}
	return 0, 0
}

func percentage(used, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(used) / float64(total) * 100))
}

func (t *Tracker) modify(fn func(*Usage)) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.read()
	fn(&u)
	u.LastUpdated = t.clock.Now().UnixMilli()
	t.write(u)
	t.observe(u)
	return u
}

// read loads the record, reinitializing it when missing or malformed, and
// applies due resets. Any change is persisted.
func (t *Tracker) read() Usage {
	now := t.clock.Now()

	raw, ok := t.area.GetItem(Key)
	if !ok {
		u := t.defaults(now)
		t.write(u)
		return u
	}

	var u Usage
	if err := json.Unmarshal([]byte(raw), &u); err != nil || !valid(u) {
		t.logger.Warn("reinitializing malformed quota record", "error", err)
		u = t.defaults(now)
		t.write(u)
		return u
	}

	if t.applyResets(&u, now) {
		u.LastUpdated = now.UnixMilli()
		t.write(u)
	}
	t.observe(u)
	return u
}

// applyResets checks the YouTube day, then the Gemini minute, then the
// Gemini day, and reports whether anything changed.
func (t *Tracker) applyResets(u *Usage, now time.Time) bool {
	nowMs := now.UnixMilli()
	changed := false

	if crossedYouTubeDay(u.YouTube.LastReset, now) {
		u.YouTube.Used = 0
		u.YouTube.LastReset = nowMs
		metrics.RecordQuotaReset(string(YouTube))
		changed = true
	}
	if nowMs-u.Gemini.LastReset >= minuteMs {
		u.Gemini.RequestsUsed = 0
		u.Gemini.LastReset = nowMs
		metrics.RecordQuotaReset(string(Gemini))
		changed = true
	}
	if nowMs-u.Gemini.LastResetDaily >= dayMs {
		u.Gemini.RequestsUsedDaily = 0
		u.Gemini.LastResetDaily = nowMs
		metrics.RecordQuotaReset(string(GeminiDaily))
		changed = true
	}
	return changed
}

// crossedYouTubeDay compares calendar dates in the fixed UTC-8 zone, so a
// reset can happen after less than 24 hours.
func crossedYouTubeDay(lastReset int64, now time.Time) bool {
	ly, lm, ld := time.UnixMilli(lastReset).In(youtubeZone).Date()
	ny, nm, nd := now.In(youtubeZone).Date()
	return ly != ny || lm != nm || ld != nd
}

func valid(u Usage) bool {
	return u.YouTube.Total > 0 && u.Gemini.RequestsTotal > 0 && u.Gemini.RequestsTotalDaily > 0
}

func (t *Tracker) defaults(now time.Time) Usage {
	ms := now.UnixMilli()
	l := Limits(t.model, t.tier)
	return Usage{
		YouTube: YouTubeUsage{Total: YouTubeDailyLimit, LastReset: ms},
		Gemini: GeminiUsage{
			RequestsTotal:      l.PerMinute,
			RequestsTotalDaily: l.PerDay,
			LastReset:          ms,
			LastResetDaily:     ms,
			Model:              t.model,
			Tier:               t.tier,
		},
		LastUpdated: ms,
	}
}

func (t *Tracker) write(u Usage) {
	raw, err := json.Marshal(u)
	if err != nil {
		t.logger.Error("encoding quota record", "error", err)
		return
	}
	if err := t.area.SetItem(Key, string(raw)); err != nil {
		t.logger.Warn("persisting quota record", "error", err)
	}
}

func (t *Tracker) observe(u Usage) {
	metrics.SetQuotaUsage(string(YouTube), u.YouTube.Used)
	metrics.SetQuotaUsage(string(Gemini), u.Gemini.RequestsUsed)
	metrics.SetQuotaUsage(string(GeminiDaily), u.Gemini.RequestsUsedDaily)
}

// ProviderStatus is the display view of one counter.
type ProviderStatus struct {
	Provider   Provider `json:"provider"`
	Used       int      `json:"used"`
	Total      int      `json:"total"`
	Remaining  int      `json:"remaining"`
	Percentage int      `json:"percentage"`
	Color      string   `json:"color"`
}

// Status reports every counter from a single read.
func (t *Tracker) Status() []ProviderStatus {
	u := t.Usage()
	out := make([]ProviderStatus, 0, 3)
	for _, p := range []Provider{YouTube, Gemini, GeminiDaily} {
		used, total := counters(u, p)
		pct := percentage(used, total)
		out = append(out, ProviderStatus{
			Provider:   p,
			Used:       used,
			Total:      total,
			Remaining:  max(total-used, 0),
			Percentage: pct,
			Color:      Color(pct),
		})
	}
	return out
}
