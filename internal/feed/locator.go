package feed

import (
	"context"
	"errors"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// ErrLocationUnavailable is returned when no position can be determined, e.g.
// permission was denied on the device.
var ErrLocationUnavailable = errors.New("location unavailable")

// Locator provides the device position used to scope the public feed.
type Locator interface {
	Locate(ctx context.Context) (model.Coordinates, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (model.Coordinates, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context) (model.Coordinates, error) {
	return f(ctx)
}

// Fixed always reports the same position.
func Fixed(c model.Coordinates) Locator {
	return LocatorFunc(func(context.Context) (model.Coordinates, error) { return c, nil })
}

type locationKey struct{}

// WithLocation attaches a device position to ctx.
func WithLocation(ctx context.Context, c model.Coordinates) context.Context {
	return context.WithValue(ctx, locationKey{}, c)
}

// FromContext reads the position attached by WithLocation, falling back to
// fallback when ctx carries none. A nil fallback yields ErrLocationUnavailable.
func FromContext(fallback Locator) Locator {
	return LocatorFunc(func(ctx context.Context) (model.Coordinates, error) {
		if c, ok := ctx.Value(locationKey{}).(model.Coordinates); ok {
			return c, nil
		}
		if fallback != nil {
			return fallback.Locate(ctx)
		}
		return model.Coordinates{}, ErrLocationUnavailable
	})
}
