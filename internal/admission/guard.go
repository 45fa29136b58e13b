package admission

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Guard combines the IP filter and the rate limiter. Both checks run before
// any capsule-affecting operation; a rejection short-circuits with no state
// mutation downstream.
type Guard struct {
	filter  *IPFilter
	limiter *RateLimiter
	logger  *slog.Logger

	stopCh chan struct{}
}

// NewGuard creates an admission guard
func NewGuard(filter *IPFilter, limiter *RateLimiter, logger *slog.Logger) *Guard {
	return &Guard{
		filter:  filter,
		limiter: limiter,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Check evaluates both admission checks for one request.
func (g *Guard) Check(ip net.IP, resource string) Decision {
	if ip == nil || !g.filter.IsAllowed(ip) {
		g.logger.Warn("request denied by ip filter", "ip", ipString(ip), "resource", resource)
		return Decision{
			Allowed: false,
			Limit:   g.limiter.Limit(),
			Reason:  "ip blocked",
		}
	}

	decision := g.limiter.Allow(ip.String(), resource)
	if !decision.Allowed {
		g.logger.Warn("request denied by rate limiter",
			"ip", ip.String(),
			"resource", resource,
			"reason", decision.Reason,
		)
	}
	return decision
}

// Middleware guards an HTTP route. Every response carries the rate-limit
// metadata headers; rejected requests get a fixed-text 403 and never reach
// the handler.
func (g *Guard) Middleware(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := g.Check(GetClientIP(r), resource)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			if !decision.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))
			}

			if !decision.Allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StartPruning launches a background loop that drops expired windows.
func (g *Guard) StartPruning(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.limiter.Prune()
			}
		}
	}()
}

// Stop stops the pruning loop.
func (g *Guard) Stop() {
	close(g.stopCh)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "invalid"
	}
	return ip.String()
}
