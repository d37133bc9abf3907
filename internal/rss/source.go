// Package rss provides a page source backed by an RSS/Atom export of posts.
package rss

import (
	"context"
	"fmt"
	"strings"

	"github.com/cryptogramllc/squibturf-sub000/internal/backend"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// Source reads a whole feed document as a single page. Exports carry no
// pagination, so the returned cursor is always "".
type Source struct {
	url    string
	parser *gofeed.Parser
	log    *zap.Logger
}

// NewSource creates a source for the feed at url.
func NewSource(url string, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		url:    url,
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// FetchPage parses the feed and converts its entries into raw items. The
// query's cursor and coordinates are ignored; AuthorID is used for entries
// that carry no author.
func (s *Source) FetchPage(ctx context.Context, q backend.Query) (*backend.Page, error) {
	parsed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", s.url, err)
	}

	fallbackAuthor := q.AuthorID
	fallbackName := ""
	if p := firstPerson(parsed.Author, parsed.Authors); p != nil {
		if fallbackAuthor == "" {
			fallbackAuthor = personID(p)
		}
		fallbackName = p.Name
	}

	items := make([]model.RawItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		items = append(items, toRaw(it, fallbackAuthor, fallbackName))
	}
	if q.Limit > 0 && !q.FetchAll() && len(items) > q.Limit {
		items = items[:q.Limit]
	}

	s.log.Debug("rss page parsed",
		zap.String("url", s.url),
		zap.String("title", parsed.Title),
		zap.Int("items", len(items)),
	)
	return &backend.Page{Items: items, TotalItems: len(items), CurrentPage: 1}, nil
}

func toRaw(it *gofeed.Item, fallbackAuthor, fallbackName string) model.RawItem {
	id := it.GUID
	if id == "" {
		id = it.Link
	}

	raw := model.RawItem{
		ID:         id,
		AuthorID:   fallbackAuthor,
		AuthorName: fallbackName,
		Text:       firstNonEmpty(it.Description, it.Content, it.Title),
		Timestamp:  it.Published,
	}
	if p := firstPerson(it.Author, it.Authors); p != nil {
		if pid := personID(p); pid != "" {
			raw.AuthorID = pid
		}
		if p.Name != "" {
			raw.AuthorName = p.Name
		}
	}
	if it.PublishedParsed != nil {
		raw.CreatedAt = it.PublishedParsed.UnixMilli()
	} else if it.UpdatedParsed != nil {
		raw.CreatedAt = it.UpdatedParsed.UnixMilli()
	}

	if it.Image != nil && it.Image.URL != "" {
		raw.Images = append(raw.Images, it.Image.URL)
	}
	for _, enc := range it.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		switch {
		case strings.HasPrefix(enc.Type, "video/"):
			raw.Videos = appendUnique(raw.Videos, enc.URL)
		case strings.HasPrefix(enc.Type, "image/"), enc.Type == "":
			raw.Images = appendUnique(raw.Images, enc.URL)
		}
	}
	return raw
}

func firstPerson(p *gofeed.Person, ps []*gofeed.Person) *gofeed.Person {
	if p != nil {
		return p
	}
	for _, x := range ps {
		if x != nil {
			return x
		}
	}
	return nil
}

func personID(p *gofeed.Person) string {
	if p.Email != "" {
		return p.Email
	}
	return p.Name
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// appendUnique skips urls gofeed already surfaced as the item image.
func appendUnique(list []string, url string) []string {
	for _, u := range list {
		if u == url {
			return list
		}
	}
	return append(list, url)
}
