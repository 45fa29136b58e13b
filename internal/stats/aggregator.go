// Package stats derives daily and real-time metrics from capsule state.
// Everything is recomputed from the capsule store; rows here are caches,
// not an event log.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronomail/chronomail/internal/capsule"
)

const (
	// realtimeMetricKey is the cache row holding the live snapshot.
	realtimeMetricKey = "system_metrics"

	dateFormat = "2006-01-02"

	topDomainCount = 10
)

// DomainCount is one entry of a daily top-domains ranking.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// DailyStatistic is the aggregated row for one calendar date.
type DailyStatistic struct {
	Date             string         `json:"date"`
	TotalCreated     int            `json:"total_created"`
	TotalSent        int            `json:"total_sent"`
	TotalFailed      int            `json:"total_failed"`
	TotalPending     int            `json:"total_pending"`
	AvgDeliveryHours float64        `json:"avg_delivery_hours"`
	MaxDeliveryHours float64        `json:"max_delivery_hours"`
	UniqueRecipients int            `json:"unique_recipients"`
	TopDomains       []DomainCount  `json:"top_domains"`
	CountryCounts    map[string]int `json:"country_counts"`
}

// RealtimeSnapshot is the live dashboard summary, cached with a short TTL.
type RealtimeSnapshot struct {
	TotalCapsules   int64     `json:"total_capsules"`
	PendingCapsules int64     `json:"pending_capsules"`
	CreatedToday    int       `json:"created_today"`
	SentToday       int       `json:"sent_today"`
	SuccessRate     float64   `json:"success_rate"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Dashboard is a reshaped time series over recent daily statistics.
type Dashboard struct {
	Labels  []string         `json:"labels"`
	Created []int            `json:"created"`
	Sent    []int            `json:"sent"`
	Summary DashboardSummary `json:"summary"`
}

// DashboardSummary totals the dashboard window.
type DashboardSummary struct {
	TotalCreated int     `json:"total_created"`
	TotalSent    int     `json:"total_sent"`
	SuccessRate  float64 `json:"success_rate"`
}

// Aggregator computes statistics from the capsule repository and caches
// them in the stats store. It only ever reads capsule state.
type Aggregator struct {
	repo        capsule.Repository
	store       *Store
	realtimeTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an aggregator. realtimeTTL bounds how stale the cached live
// snapshot may get.
func New(repo capsule.Repository, db *bolt.DB, realtimeTTL time.Duration, logger *slog.Logger) (*Aggregator, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if realtimeTTL <= 0 {
		realtimeTTL = 5 * time.Minute
	}

	return &Aggregator{
		repo:        repo,
		store:       store,
		realtimeTTL: realtimeTTL,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// CollectDaily aggregates the capsules created on the given date and
// upserts one DailyStatistic row. A date with no capsules yields nil and
// performs no write.
func (a *Aggregator) CollectDaily(ctx context.Context, date time.Time) (*DailyStatistic, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)

	capsules, err := a.repo.ListCreatedBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(capsules) == 0 {
		a.logger.Debug("no capsules for daily statistics", "date", start.Format(dateFormat))
		return nil, nil
	}

	stat := &DailyStatistic{
		Date:          start.Format(dateFormat),
		TotalCreated:  len(capsules),
		CountryCounts: make(map[string]int),
	}

	var deliveryHours []float64
	recipients := make(map[string]struct{})
	domainCounts := make(map[string]int)
	var domainOrder []string // first-seen order, used to break ranking ties

	for _, c := range capsules {
		switch c.Status {
		case capsule.StatusSent:
			stat.TotalSent++
		case capsule.StatusFailed:
			stat.TotalFailed++
		case capsule.StatusPending:
			stat.TotalPending++
		}

		// Delivery latency over sent capsules only.
		if c.Status == capsule.StatusSent && c.SentAt != nil {
			deliveryHours = append(deliveryHours, c.SentAt.Sub(c.CreatedAt).Hours())
		}

		recipients[c.RecipientAddress] = struct{}{}

		if domain := recipientDomain(c.RecipientAddress); domain != "" {
			if _, seen := domainCounts[domain]; !seen {
				domainOrder = append(domainOrder, domain)
			}
			domainCounts[domain]++
		}
	}

	if len(deliveryHours) > 0 {
		var sum, max float64
		for _, h := range deliveryHours {
			sum += h
			if h > max {
				max = h
			}
		}
		stat.AvgDeliveryHours = sum / float64(len(deliveryHours))
		stat.MaxDeliveryHours = max
	}

	stat.UniqueRecipients = len(recipients)
	stat.TopDomains = rankDomains(domainCounts, domainOrder)

	if err := a.store.UpsertDaily(stat); err != nil {
		return nil, err
	}

	a.logger.Info("daily statistics collected",
		"date", stat.Date,
		"created", stat.TotalCreated,
		"sent", stat.TotalSent,
		"failed", stat.TotalFailed,
	)
	return stat, nil
}

// UpdateRealtime recomputes the live snapshot and caches it with a short
// TTL, overwriting the previous one.
func (a *Aggregator) UpdateRealtime(ctx context.Context) (*RealtimeSnapshot, error) {
	now := a.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	counts, err := a.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	createdToday, err := a.repo.ListCreatedBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	sent, err := a.repo.List(ctx, capsule.ListFilter{Status: capsule.StatusSent})
	if err != nil {
		return nil, err
	}
	sentToday := 0
	for _, c := range sent {
		if c.SentAt != nil && !c.SentAt.Before(dayStart) && c.SentAt.Before(dayEnd) {
			sentToday++
		}
	}

	snapshot := &RealtimeSnapshot{
		TotalCapsules:   counts.Total,
		PendingCapsules: counts.Pending,
		CreatedToday:    len(createdToday),
		SentToday:       sentToday,
		SuccessRate:     successRate(counts.Sent, counts.Failed),
		LastUpdated:     now,
	}

	if err := a.store.UpdateMetric(realtimeMetricKey, snapshot, a.realtimeTTL); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Realtime returns the cached snapshot, or ok=false when it is missing
// or expired.
func (a *Aggregator) Realtime() (*RealtimeSnapshot, bool, error) {
	var snapshot RealtimeSnapshot
	ok, err := a.store.GetMetric(realtimeMetricKey, &snapshot)
	if err != nil || !ok {
		return nil, false, err
	}
	return &snapshot, true, nil
}

// Dashboard reads the most recent windowDays daily rows and reshapes them
// into a time series with summary totals. Dates with no row are skipped.
func (a *Aggregator) Dashboard(windowDays int) (*Dashboard, error) {
	if windowDays <= 0 {
		windowDays = 7
	}

	today := a.now()
	dash := &Dashboard{
		Labels:  []string{},
		Created: []int{},
		Sent:    []int{},
	}

	for i := windowDays - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format(dateFormat)
		stat, err := a.store.GetDaily(date)
		if err != nil {
			return nil, err
		}
		if stat == nil {
			continue
		}

		dash.Labels = append(dash.Labels, stat.Date)
		dash.Created = append(dash.Created, stat.TotalCreated)
		dash.Sent = append(dash.Sent, stat.TotalSent)
		dash.Summary.TotalCreated += stat.TotalCreated
		dash.Summary.TotalSent += stat.TotalSent
	}

	if dash.Summary.TotalCreated > 0 {
		dash.Summary.SuccessRate = float64(dash.Summary.TotalSent) / float64(dash.Summary.TotalCreated) * 100
	}

	return dash, nil
}

// successRate is sent/(sent+failed) as a percentage, defined as 100.0
// when nothing has been sent or failed yet.
func successRate(sent, failed int64) float64 {
	total := sent + failed
	if total == 0 {
		return 100.0
	}
	return float64(sent) / float64(total) * 100
}

// recipientDomain extracts the lowercased domain of an email address.
func recipientDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// rankDomains returns the top domains by count. Ties keep first-seen order.
func rankDomains(counts map[string]int, order []string) []DomainCount {
	ranked := make([]DomainCount, 0, len(order))
	for _, domain := range order {
		ranked = append(ranked, DomainCount{Domain: domain, Count: counts[domain]})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})

	if len(ranked) > topDomainCount {
		ranked = ranked[:topDomainCount]
	}
	return ranked
}
