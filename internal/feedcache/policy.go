package feedcache

import (
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// DefaultTTL is how long a refreshed record may be served without a network call.
const DefaultTTL = 5 * time.Minute

// Policy decides whether a cached record can be reused.
type Policy struct {
	TTL time.Duration
	Now func() time.Time
}

// NewPolicy returns a policy with the given TTL; ttl <= 0 selects DefaultTTL.
func NewPolicy(ttl time.Duration) Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Policy{TTL: ttl, Now: time.Now}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) ttl() time.Duration {
	if p.TTL <= 0 {
		return DefaultTTL
	}
	return p.TTL
}

// IsValid reports whether rec was refreshed less than TTL ago.
func (p Policy) IsValid(rec model.CacheRecord) bool {
	if rec.LastRefreshedAt.IsZero() {
		return false
	}
	return p.now().Sub(rec.LastRefreshedAt) < p.ttl()
}

// HasData reports whether rec holds any items.
func (p Policy) HasData(rec model.CacheRecord) bool {
	return len(rec.Items) > 0
}

// MatchesQuery reports whether rec was fetched for coords. A record without a
// query context only matches a nil coords.
func (p Policy) MatchesQuery(rec model.CacheRecord, coords *model.Coordinates) bool {
	switch {
	case coords == nil:
		return rec.Query == nil
	case rec.Query == nil:
		return false
	default:
		return rec.Query.Equal(*coords)
	}
}
