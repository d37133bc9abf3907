package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// ErrUnknownFeed is returned for a feed kind with no controller.
var ErrUnknownFeed = errors.New("unknown feed")

// Feeds groups the public and personal controllers of one session.
type Feeds struct {
	Public   *Controller
	Personal *Controller
}

// Get returns the controller for kind.
func (f *Feeds) Get(kind model.FeedKind) (*Controller, error) {
	var c *Controller
	switch kind {
	case model.FeedPublic:
		c = f.Public
	case model.FeedPersonal:
		c = f.Personal
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeed, kind)
	}
	return c, nil
}

// All returns the configured controllers.
func (f *Feeds) All() []*Controller {
	var out []*Controller
	for _, c := range []*Controller{f.Public, f.Personal} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// SignOut clears both caches so one user's feed never shows in the next session.
func (f *Feeds) SignOut(ctx context.Context) {
	for _, c := range f.All() {
		c.Clear(ctx)
	}
}

// Restore loads saved snapshots into every cache.
func (f *Feeds) Restore(ctx context.Context) error {
	var errs []error
	for _, c := range f.All() {
		if _, err := c.Restore(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Persist saves every cache and waits for background refreshes first.
func (f *Feeds) Persist(ctx context.Context) error {
	var errs []error
	for _, c := range f.All() {
		c.Wait()
		if err := c.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
