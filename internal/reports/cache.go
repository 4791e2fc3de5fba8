// Package reports stores AI-generated marketing reports, several per
// channel, plus a permanent alias table mapping URL-derived identifiers
// such as @handles to canonical channel IDs.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kalambet/tubescope/internal/cache"
	"github.com/kalambet/tubescope/internal/storage"
)

const (
	Prefix      = "report_"
	AliasPrefix = "alias_"

	DefaultTTL      = 7 * 24 * time.Hour
	DefaultMaxItems = 50
)

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	TTL      time.Duration
	MaxItems int
	Clock    cache.Clock
	Logger   *slog.Logger
}

// Cache is the report cache. The item cap is global across channels, so a
// burst of reports for one channel can evict another channel's oldest.
type Cache struct {
	area    storage.Area
	reports *cache.Bounded[Record]
	logger  *slog.Logger

	mu sync.Mutex // serializes timestamp allocation in SetCachedReport
}

// New creates a report cache over area.
func New(area storage.Area, opts Options) (*Cache, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxItems == 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	reports, err := cache.New[Record](area, cache.Options{
		Prefix:   Prefix,
		MaxItems: opts.MaxItems,
		TTL:      opts.TTL,
		Name:     "reports",
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating report cache: %w", err)
	}
	return &Cache{area: area, reports: reports, logger: opts.Logger}, nil
}

// EntryID returns the composite id of a report within the cache.
func EntryID(channelID string, timestamp int64) string {
	return channelID + "_" + strconv.FormatInt(timestamp, 10)
}

// SetChannelAlias maps urlID to channelID, overwriting any earlier mapping.
// It is a no-op when either argument is empty.
func (c *Cache) SetChannelAlias(urlID, channelID string) {
	if urlID == "" || channelID == "" {
		return
	}
	if err := c.area.SetItem(AliasPrefix+urlID, channelID); err != nil {
		level := slog.LevelError
		if errors.Is(err, storage.ErrQuotaExceeded) {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "storing channel alias", "url_id", urlID, "error", err)
	}
}

// ResolveChannelID returns the channel ID recorded for urlID.
func (c *Cache) ResolveChannelID(urlID string) (string, bool) {
	if urlID == "" {
		return "", false
	}
	return c.area.GetItem(AliasPrefix + urlID)
}

// SetCachedReport adds a new report for channelID stamped with the current
// time. It never replaces an earlier report: when the channel already has
// one at that millisecond the timestamp moves forward until the id is free.
// When urlID is set and differs
// from channelID the alias is recorded too. The returned bool reports
// whether the write persisted.
func (c *Cache) SetCachedReport(channelID string, report Report, urlID string) (Record, bool) {
	if channelID == "" {
		return Record{}, false
	}
	if urlID != "" && urlID != channelID {
		c.SetChannelAlias(urlID, channelID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.reports.Now()
	for {
		if _, taken := c.area.GetItem(Prefix + EntryID(channelID, ts)); !taken {
			break
		}
		ts++
	}
	rec := Record{Report: report, Timestamp: ts, ChannelID: channelID}
	ok := c.reports.SetAt(EntryID(channelID, ts), rec, ts)
	return rec, ok
}

// GetCachedReportsForChannel lists the live reports of channelID, newest
// first.
func (c *Cache) GetCachedReportsForChannel(channelID string) []Summary {
	var out []Summary
	for _, item := range c.reports.All() {
		if item.Data.ChannelID == channelID {
			out = append(out, item.Data.summary())
		}
	}
	return out
}

// GetCachedReportByTimestamp returns the report written for channelID at
// timestamp, if it is still cached.
func (c *Cache) GetCachedReportByTimestamp(channelID string, timestamp int64) (Report, bool) {
	rec, ok := c.reports.Get(EntryID(channelID, timestamp))
	if !ok {
		return Report{}, false
	}
	return rec.Report, true
}

// GetCachedReport returns the newest live report of channelID. A report
// deleted between the listing and the fetch yields a miss.
func (c *Cache) GetCachedReport(channelID string) (Report, bool) {
	summaries := c.GetCachedReportsForChannel(channelID)
	if len(summaries) == 0 {
		return Report{}, false
	}
	return c.GetCachedReportByTimestamp(channelID, summaries[0].Timestamp)
}

// ReportForURL resolves urlID through the alias table, falling back to
// treating it as a channel ID, and returns the newest report.
func (c *Cache) ReportForURL(urlID string) (Report, string, bool) {
	channelID, ok := c.ResolveChannelID(urlID)
	if !ok {
		channelID = urlID
	}
	report, found := c.GetCachedReport(channelID)
	return report, channelID, found
}

// DeleteCachedReportByTimestamp removes a single report.
func (c *Cache) DeleteCachedReportByTimestamp(channelID string, timestamp int64) {
	c.reports.Delete(EntryID(channelID, timestamp))
}

// DeleteCachedReport removes every report of channelID and returns how
// many were removed. Matching is on the stored channel ID, not the key.
func (c *Cache) DeleteCachedReport(channelID string) int {
	n := 0
	for _, item := range c.reports.All() {
		if item.Data.ChannelID == channelID {
			c.reports.Delete(item.ID)
			n++
		}
	}
	return n
}

// ClearExpiredReports sweeps expired and corrupted reports.
func (c *Cache) ClearExpiredReports() int { return c.reports.ClearExpired() }

// ClearAllReports removes every report. Aliases are kept.
func (c *Cache) ClearAllReports() int { return c.reports.ClearAll() }

// GetCachedChannelList lists every live report across all channels, newest
// first. Channels with several reports appear several times.
func (c *Cache) GetCachedChannelList() []Summary {
	items := c.reports.All()
	out := make([]Summary, 0, len(items))
	for _, item := range items {
		out = append(out, item.Data.summary())
	}
	return out
}

// Stats summarizes the live report cache.
func (c *Cache) Stats() Stats {
	items := c.reports.All()
	st := Stats{Count: len(items), MaxItems: c.reports.MaxItems()}
	channels := make(map[string]struct{})
	for i, item := range items {
		channels[item.Data.ChannelID] = struct{}{}
		if i == 0 {
			st.Newest = item.Timestamp
		}
		st.Oldest = item.Timestamp
	}
	st.Channels = len(channels)
	return st
}
