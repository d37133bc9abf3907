// Package model defines shared data structures.
package model

import (
	"math"
	"strconv"
	"time"
)

// FeedKind identifies one of the two cached feeds.
type FeedKind string

const (
	// FeedPublic is the location-scoped feed everyone sees.
	FeedPublic FeedKind = "public"
	// FeedPersonal is the signed-in user's own posts.
	FeedPersonal FeedKind = "personal"
)

// Valid reports whether k names a known feed.
func (k FeedKind) Valid() bool {
	return k == FeedPublic || k == FeedPersonal
}

// MediaKind tags a media reference.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// ItemType is the rendering discriminator of a post.
type ItemType string

const (
	TypePhoto ItemType = "photo"
	TypeVideo ItemType = "video"
	TypeText  ItemType = "text"
)

// Media is a single image or video attached to a post.
type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Location is descriptive only; filtering happens server-side on coordinates.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// FeedItem represents a single post.
type FeedItem struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text,omitempty"`
	Media      []Media   `json:"media,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Location   *Location `json:"location,omitempty"`
	Type       ItemType  `json:"type"`
}

// DeriveType returns the discriminator implied by the attached media.
func DeriveType(media []Media) ItemType {
	t := TypeText
	for _, m := range media {
		switch m.Kind {
		case MediaVideo:
			return TypeVideo
		case MediaPhoto:
			t = TypePhoto
		}
	}
	return t
}

// Clone returns a deep copy of the item.
func (it FeedItem) Clone() FeedItem {
	if it.Media != nil {
		it.Media = append([]Media(nil), it.Media...)
	}
	if it.Location != nil {
		loc := *it.Location
		it.Location = &loc
	}
	return it
}

// Coordinates is a device position used to scope the public feed.
type Coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Format renders longitude and latitude with the 2 decimals the backend expects.
func (c Coordinates) Format() (lon, lat string) {
	return strconv.FormatFloat(c.Longitude, 'f', 2, 64), strconv.FormatFloat(c.Latitude, 'f', 2, 64)
}

// Equal compares at the 2-decimal precision the backend filters with.
func (c Coordinates) Equal(o Coordinates) bool {
	return round2(c.Longitude) == round2(o.Longitude) && round2(c.Latitude) == round2(o.Latitude)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CacheRecord is the cached state of one feed.
//
// Items keep server insertion order. Cursor "" means there are no further pages
// (or pagination has not started). A zero LastRefreshedAt means never refreshed.
type CacheRecord struct {
	Items           []FeedItem   `json:"items"`
	Cursor          string       `json:"cursor,omitempty"`
	LastRefreshedAt time.Time    `json:"lastRefreshedAt"`
	Query           *Coordinates `json:"query,omitempty"`
	ScrollOffset    float64      `json:"scrollOffset"`
}

// Clone returns a deep copy of the record.
func (r CacheRecord) Clone() CacheRecord {
	if r.Items != nil {
		items := make([]FeedItem, len(r.Items))
		for i, it := range r.Items {
			items[i] = it.Clone()
		}
		r.Items = items
	}
	if r.Query != nil {
		q := *r.Query
		r.Query = &q
	}
	return r
}

// RawMedia is a media entry as sent by the backend.
type RawMedia struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// RawItem is an untrusted post record as received from a page source.
// Backends have shipped both a tagged media list and separate image/video lists.
type RawItem struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorName"`
	Text       string     `json:"text"`
	Media      []RawMedia `json:"media"`
	Images     []string   `json:"images"`
	Videos     []string   `json:"videos"`
	CreatedAt  int64      `json:"createdAt"`
	Timestamp  string     `json:"timestamp"`
	Location   *Location  `json:"location"`
}
