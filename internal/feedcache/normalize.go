package feedcache

import (
	"slices"
	"strings"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// timestampLayouts are the human-readable forms seen in the timestamp field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006, 3:04:05 PM",
	"1/2/2006, 3:04 PM",
	"1/2/2006 3:04:05 PM",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	"Mon Jan 2 2006 15:04:05",
}

// secondsCutoff separates epoch seconds from epoch milliseconds. 1e11 ms is
// early 1973; 1e11 s is far in the future.
const secondsCutoff = 1e11

// Normalize converts raw records into feed items. Records without an ID, an
// author, or any content are dropped; their count is returned.
func Normalize(raw []model.RawItem, now time.Time) ([]model.FeedItem, int) {
	items := make([]model.FeedItem, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		it, ok := NormalizeItem(r, now)
		if !ok {
			dropped++
			continue
		}
		items = append(items, it)
	}
	return items, dropped
}

// NormalizeItem converts one raw record. It reports false for malformed records.
func NormalizeItem(r model.RawItem, now time.Time) (model.FeedItem, bool) {
	id := strings.TrimSpace(r.ID)
	author := strings.TrimSpace(r.AuthorID)
	if id == "" || author == "" {
		return model.FeedItem{}, false
	}

	media := normalizeMedia(r)
	text := strings.TrimSpace(r.Text)
	if text == "" && len(media) == 0 {
		return model.FeedItem{}, false
	}

	it := model.FeedItem{
		ID:         id,
		AuthorID:   author,
		AuthorName: strings.TrimSpace(r.AuthorName),
		Text:       text,
		Media:      media,
		CreatedAt:  createdAt(r, now),
		Type:       model.DeriveType(media),
	}
	if r.Location != nil && *r.Location != (model.Location{}) {
		loc := *r.Location
		it.Location = &loc
	}
	return it, true
}

func normalizeMedia(r model.RawItem) []model.Media {
	var media []model.Media
	for _, m := range r.Media {
		url := strings.TrimSpace(m.URL)
		if url == "" {
			continue
		}
		kind := model.MediaPhoto
		if strings.EqualFold(m.Kind, string(model.MediaVideo)) {
			kind = model.MediaVideo
		}
		media = append(media, model.Media{URL: url, Kind: kind})
	}
	for _, u := range r.Images {
		if u = strings.TrimSpace(u); u != "" {
			media = append(media, model.Media{URL: u, Kind: model.MediaPhoto})
		}
	}
	for _, u := range r.Videos {
		if u = strings.TrimSpace(u); u != "" {
			media = append(media, model.Media{URL: u, Kind: model.MediaVideo})
		}
	}
	return media
}

// createdAt resolves the sort key: numeric field, then timestamp string, then now.
func createdAt(r model.RawItem, now time.Time) time.Time {
	if r.CreatedAt > 0 {
		if r.CreatedAt < secondsCutoff {
			return time.Unix(r.CreatedAt, 0).UTC()
		}
		return time.UnixMilli(r.CreatedAt).UTC()
	}
	if t, ok := ParseTimestamp(r.Timestamp); ok {
		return t
	}
	return now
}

// ParseTimestamp tries every known layout on s.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Sorted returns a copy of items ordered newest first. Equal timestamps are
// ordered by ID ascending. The input is left as is.
func Sorted(items []model.FeedItem) []model.FeedItem {
	out := make([]model.FeedItem, len(items))
	copy(out, items)
	slices.SortStableFunc(out, func(a, b model.FeedItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
