// README: Per-offer route geometry cache in front of the route provider.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"carpool/internal/maps"
	"carpool/internal/observability"
	"carpool/internal/types"
)

// RouteProvider returns the driving path origin -> waypoints -> destination.
type RouteProvider interface {
	GetRoute(ctx context.Context, origin types.Point, waypoints []types.Point, destination types.Point) (maps.Route, error)
}

// routeCache resolves an offer's path from memory, then the shared cache, then the
// provider. Concurrent misses for one offer share a single provider call. Failures are
// not cached, so the next scan retries.
type routeCache struct {
	provider RouteProvider
	shared   PathCache
	dest     types.Point
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	paths map[types.ID][]types.Point
	group singleflight.Group
}

func newRouteCache(provider RouteProvider, shared PathCache, dest types.Point, timeout time.Duration, logger *slog.Logger) *routeCache {
	return &routeCache{
		provider: provider,
		shared:   shared,
		dest:     dest,
		timeout:  timeout,
		logger:   logger,
		paths:    make(map[types.ID][]types.Point),
	}
}

// path returns the sampled route of o. context.DeadlineExceeded in the chain means the
// provider did not answer within the route timeout; any other error means no geometry.
func (c *routeCache) path(ctx context.Context, o *Offer) ([]types.Point, error) {
	c.mu.RLock()
	p, ok := c.paths[o.ID]
	c.mu.RUnlock()
	if ok {
		observability.RouteLookups.WithLabelValues("memory").Inc()
		return p, nil
	}

	if c.shared != nil {
		p, ok, err := c.shared.Get(ctx, o.ID)
		if err != nil {
			c.logger.Warn("shared path cache read failed", "offer_id", o.ID, "error", err)
		}
		if ok {
			observability.RouteLookups.WithLabelValues("shared").Inc()
			c.remember(o.ID, p)
			return p, nil
		}
	}

	if c.provider == nil {
		observability.RouteLookups.WithLabelValues("unavailable").Inc()
		return nil, maps.ErrUnavailable
	}

	ch := c.group.DoChan(string(o.ID), func() (any, error) {
		// The fetch outlives a cancelled caller so that waiting scans still get the result.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		route, err := c.provider.GetRoute(fetchCtx, o.Origin, o.Waypoints, c.dest)
		if err != nil {
			return nil, err
		}
		c.remember(o.ID, route.Path)
		if c.shared != nil {
			if err := c.shared.Set(fetchCtx, o.ID, route.Path); err != nil {
				c.logger.Warn("shared path cache write failed", "offer_id", o.ID, "error", err)
			}
		}
		return route.Path, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) {
				observability.RouteLookups.WithLabelValues("timeout").Inc()
			} else {
				observability.RouteLookups.WithLabelValues("unavailable").Inc()
			}
			return nil, res.Err
		}
		observability.RouteLookups.WithLabelValues("fetched").Inc()
		return res.Val.([]types.Point), nil
	}
}

func (c *routeCache) remember(id types.ID, p []types.Point) {
	c.mu.Lock()
	c.paths[id] = p
	c.mu.Unlock()
}

// forget drops a closed offer's path.
func (c *routeCache) forget(ctx context.Context, id types.ID) {
	c.mu.Lock()
	delete(c.paths, id)
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Delete(ctx, id); err != nil {
			c.logger.Warn("shared path cache delete failed", "offer_id", id, "error", err)
		}
	}
}
