package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kalambet/genreview/internal/payload"
)

// Generated is the product of one upstream generation.
type Generated struct {
	Payload   payload.Payload
	Cost      float64
	GenTimeMs int64
}

// GenerateFunc produces the payload for a missing key.
type GenerateFunc func(ctx context.Context) (Generated, error)

// Lookup is the result of GetOrGenerate. Hit is false only for the caller
// whose GenerateFunc actually ran and paid for the generation.
type Lookup struct {
	Entry  Entry
	Hit    bool
	Shared bool
}

type flightResult struct {
	entry Entry
	hit   bool
}

// GetOrGenerate returns the cached entry for key, or generates and stores
// it. Concurrent misses on the same key share a single generation; a caller
// that waits longer than the flight bound generates on its own instead.
func (s *Store) GetOrGenerate(ctx context.Context, key string, opts SetOptions, fn GenerateFunc) (Lookup, error) {
	if e, ok, err := s.Get(ctx, key); err != nil {
		return Lookup{}, err
	} else if ok {
		s.metrics.RecordCacheLookup("hit")
		return Lookup{Entry: e, Hit: true}, nil
	}

	var leader atomic.Bool
	ch := s.flights.DoChan(key, func() (any, error) {
		leader.Store(true)
		// The shared call must not die with whichever caller started it.
		return s.populate(context.WithoutCancel(ctx), key, opts, fn)
	})

	timer := time.NewTimer(s.flightWait)
	defer timer.Stop()
	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return Lookup{}, res.Err
			}
			fr := res.Val.(flightResult)
			if leader.Load() {
				s.recordLookup(fr.hit)
				return Lookup{Entry: fr.entry, Hit: fr.hit, Shared: res.Shared}, nil
			}
			return s.joinFlight(ctx, key, fr.entry)
		case <-timer.C:
			if leader.Load() {
				continue
			}
			s.logger.Warn("in-flight generation exceeded wait bound, generating independently",
				"key", key, "wait", s.flightWait)
			fr, err := s.populate(ctx, key, opts, fn)
			if err != nil {
				return Lookup{}, err
			}
			s.recordLookup(fr.hit)
			return Lookup{Entry: fr.entry, Hit: fr.hit}, nil
		case <-ctx.Done():
			return Lookup{}, ctx.Err()
		}
	}
}

// populate re-checks the cache, then generates and stores. The re-check
// covers a flight that finished between the caller's miss and this call.
func (s *Store) populate(ctx context.Context, key string, opts SetOptions, fn GenerateFunc) (flightResult, error) {
	if e, ok, err := s.Get(ctx, key); err != nil {
		return flightResult{}, err
	} else if ok {
		return flightResult{entry: e, hit: true}, nil
	}

	g, err := fn(ctx)
	if err != nil {
		return flightResult{}, err
	}
	if g.Payload == nil {
		return flightResult{}, fmt.Errorf("%w: generator returned no payload", payload.ErrInvalid)
	}
	opts.Cost = g.Cost
	opts.GenTimeMs = g.GenTimeMs
	e, err := s.set(ctx, key, g.Payload, opts)
	if err != nil {
		return flightResult{}, fmt.Errorf("storing generated payload: %w", err)
	}
	return flightResult{entry: e}, nil
}

// joinFlight turns a shared result into a hit for a waiting caller, so its
// access is counted like any other read.
func (s *Store) joinFlight(ctx context.Context, key string, shared Entry) (Lookup, error) {
	s.metrics.RecordCacheLookup("shared")
	e, ok, err := s.Get(ctx, key)
	if err != nil {
		return Lookup{}, err
	}
	if !ok {
		e = shared
	}
	return Lookup{Entry: e, Hit: true, Shared: true}, nil
}

func (s *Store) recordLookup(hit bool) {
	if hit {
		s.metrics.RecordCacheLookup("hit")
		return
	}
	s.metrics.RecordCacheLookup("miss")
}
