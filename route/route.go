// Package route keeps three views of the document consistent: the text the
// app holds, the address-bar fragment, and the browser history entries.
//
// Four flows, mirroring the browser behavior the front-end sees:
//
//  1. Startup: the current fragment, if any, is decoded and adopted.
//  2. Local edit: the text is re-encoded and written to the address bar,
//     replacing the current history entry — unless a force-push was armed, in
//     which case exactly one write pushes a new entry instead.
//  3. External fragment change (edited address bar, followed link): decoded
//     and adopted, same as startup.
//  4. Back/forward: the history entry carries the verbatim text, adopted
//     directly without touching the codec, so navigation stays instant and
//     immune to codec failures.
//
// The Navigator contract rules out feedback loops: fragments written through
// ReplaceState/PushState must not come back on FragmentChanges — only
// external navigations do, exactly like the browser's hashchange event.
package route

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/jsonview/linkcodec"
)

// Navigator is the navigation surface the synchronizer drives. The browser
// (via the websocket session) and test fakes implement it.
type Navigator interface {
	// Fragment returns the current address-bar fragment ("" when absent).
	Fragment() string

	// ReplaceState rewrites the current history entry: state is the verbatim
	// document text stored as the history payload, fragment the new
	// address-bar fragment.
	ReplaceState(state, fragment string)

	// PushState is ReplaceState but growing the back-stack.
	PushState(state, fragment string)

	// FragmentChanges delivers fragments from external navigations only.
	// Writes issued through this Navigator never echo here.
	FragmentChanges() <-chan string

	// PopStates delivers the history payload (verbatim text) on back/forward.
	PopStates() <-chan string
}

// Synchronizer is the four-way state machine. Create one per navigation
// surface (browser tab).
type Synchronizer struct {
	nav    Navigator
	codec  *linkcodec.Codec
	adopt  func(linkcodec.RouteState)
	logger *slog.Logger

	forcePush atomic.Bool
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// New creates a Synchronizer. adopt is called with decoded route state
// whenever the fragment or history dictates new document text; it must
// publish to the app without calling back into TextChanged for that update.
func New(nav Navigator, codec *linkcodec.Codec, adopt func(linkcodec.RouteState), opts ...Option) *Synchronizer {
	s := &Synchronizer{nav: nav, codec: codec, adopt: adopt, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ForcePush arms a one-shot flag: the next TextChanged pushes a new history
// entry instead of replacing the current one. Used when an import/paste
// should be separately undoable via browser back.
func (s *Synchronizer) ForcePush() {
	s.forcePush.Store(true)
}

// TextChanged records a local edit: the text is encoded and written to the
// address bar and the history entry (replace by default, push when armed).
// The flag is consumed even if encoding fails, matching one-shot semantics.
func (s *Synchronizer) TextChanged(ctx context.Context, text string) error {
	push := s.forcePush.Swap(false)

	fragment, err := s.codec.Encode(ctx, linkcodec.RouteState{Text: text})
	if err != nil {
		return fmt.Errorf("route: encode on text change: %w", err)
	}

	if push {
		s.nav.PushState(text, fragment)
	} else {
		s.nav.ReplaceState(text, fragment)
	}
	return nil
}

// Run performs the startup adoption and then serves navigation events until
// ctx is cancelled or the navigator's channels close.
func (s *Synchronizer) Run(ctx context.Context) {
	s.adoptFragment(ctx, s.nav.Fragment())

	fragments := s.nav.FragmentChanges()
	popStates := s.nav.PopStates()
	for {
		select {
		case <-ctx.Done():
			return
		case fragment, ok := <-fragments:
			if !ok {
				return
			}
			s.adoptFragment(ctx, fragment)
		case text, ok := <-popStates:
			if !ok {
				return
			}
			// Verbatim history payload: no codec on the back/forward path.
			s.adopt(linkcodec.RouteState{Text: text})
		}
	}
}

func (s *Synchronizer) adoptFragment(ctx context.Context, fragment string) {
	state, err := s.codec.Decode(ctx, fragment)
	if err != nil {
		s.logger.Warn("route: fragment decode failed", "error", err)
		return
	}
	if state == nil {
		return
	}
	s.adopt(*state)
}
