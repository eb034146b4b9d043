package features

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultSentiment   = 0.0
	DefaultReadability = 50.0
	DefaultContentType = "mixed"
)

var (
	usKeywords = []string{"dollar", "$", "america", "usa", "thanksgiving", "nfl", "superbowl"}
	ukKeywords = []string{"pound", "£", "britain", "uk", "tea", "premier league", "bank holiday"}
)

// Record is a raw post as stored by the content pipeline. Zero times and nil
// scores mean "not known".
type Record struct {
	ScheduledTime    time.Time `json:"scheduled_time"`
	ActualPostedTime time.Time `json:"actual_posted_time"`
	Caption          string    `json:"caption"`
	ImageURL         string    `json:"image_url,omitempty"`
	HasImage         bool      `json:"has_image,omitempty"`
	Sentiment        *float64  `json:"sentiment,omitempty"`
	Readability      *float64  `json:"readability,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
}

// Extract derives ContentFeatures from r. Posting hour and weekday come from
// the actual posting time, else the scheduled time, else noon on Monday;
// they are evaluated in UTC.
func Extract(r Record) ContentFeatures {
	f := ContentFeatures{
		PostingHour:       12,
		PostingWeekday:    0,
		CaptionLength:     utf8.RuneCountInString(r.Caption),
		HashtagCount:      strings.Count(r.Caption, "#"),
		HasImage:          r.HasImage || r.ImageURL != "",
		SentimentScore:    DefaultSentiment,
		ReadabilityScore:  DefaultReadability,
		ContentType:       DefaultContentType,
		RegionalRelevance: RegionalRelevance(r.Caption),
	}

	posted := r.ActualPostedTime
	if posted.IsZero() {
		posted = r.ScheduledTime
	}
	if !posted.IsZero() {
		u := posted.UTC()
		f.PostingHour = u.Hour()
		f.PostingWeekday = mondayFirst(u.Weekday())
	}

	if r.Sentiment != nil {
		f.SentimentScore = *r.Sentiment
	}
	if r.Readability != nil {
		f.ReadabilityScore = *r.Readability
	}
	if ct := strings.TrimSpace(r.ContentType); ct != "" {
		f.ContentType = ct
	}
	return f
}

// RegionalRelevance scores how strongly a caption speaks to one regional
// audience: the better region's keyword hits over the keyword list size.
func RegionalRelevance(caption string) float64 {
	lower := strings.ToLower(caption)
	us, uk := hits(lower, usKeywords), hits(lower, ukKeywords)
	denom := max(len(usKeywords), len(ukKeywords))
	return min(1, float64(max(us, uk))/float64(denom))
}

func hits(s string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(s, k) {
			n++
		}
	}
	return n
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// WeekdayName maps a Monday=0 weekday index to its English name.
func WeekdayName(i int) string {
	if i < 0 || i > 6 {
		return ""
	}
	return time.Weekday((i + 1) % 7).String()
}
