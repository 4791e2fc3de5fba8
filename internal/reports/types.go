package reports

import (
	"github.com/goccy/go-json"
)

// Section is one titled block of a marketing report.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is an AI-generated marketing report for one channel. Details holds
// the model's structured payload and is stored as-is.
type Report struct {
	BrandName     string          `json:"brandName"`
	ChannelName   string          `json:"channelName,omitempty"`
	ChannelAvatar string          `json:"channelAvatar,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	Summary       string          `json:"summary,omitempty"`
	Sections      []Section       `json:"sections,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Record is the value stored under report_<channelId>_<timestamp>.
type Record struct {
	Report    Report `json:"report"`
	Timestamp int64  `json:"timestamp"`
	ChannelID string `json:"channelId"`
}

// Summary is the lightweight projection used by history listings.
type Summary struct {
	ChannelID     string `json:"channelId"`
	BrandName     string `json:"brandName"`
	Timestamp     int64  `json:"timestamp"`
	CreatedAt     string `json:"createdAt"`
	ChannelAvatar string `json:"channelAvatar,omitempty"`
}

// Stats describes the live contents of the report cache.
type Stats struct {
	Count    int   `json:"count"`
	Channels int   `json:"channels"`
	Oldest   int64 `json:"oldest,omitempty"`
	Newest   int64 `json:"newest,omitempty"`
	MaxItems int   `json:"maxItems"`
}

func (r Record) summary() Summary {
	return Summary{
		ChannelID:     r.ChannelID,
		BrandName:     r.Report.BrandName,
		Timestamp:     r.Timestamp,
		CreatedAt:     r.Report.CreatedAt,
		ChannelAvatar: r.Report.ChannelAvatar,
	}
}
