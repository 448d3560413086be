// Package reports renders the weekly caregiver PDF: what the pipeline
// flagged over the trailing seven days, in a form a family member can
// print and bring to a care review.
package reports

import (
	"context"
	"database/sql"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// WeeklyData holds everything the weekly report renders.
type WeeklyData struct {
	Start       time.Time
	End         time.Time
	GeneratedAt time.Time
	Timezone    string

	Deviations []DeviationCount
	Anomalies  []RoomAnomalySummary
	Proposals  []ProposalCount

	DeviationTotal int
	AnomalyTotal   int
	ProposalTotal  int
}

// DeviationCount is one (rule, severity) bucket of deviations seen in
// the window.
type DeviationCount struct {
	RuleID   string
	Severity string
	Count    int
}

// RoomAnomalySummary aggregates anomaly episodes for one room.
type RoomAnomalySummary struct {
	Room       string
	Episodes   int
	OpenNow    int
	WorstLevel models.AnomalyLevel
	PeakScore  float64
	PeakAt     time.Time
}

// ProposalCount is one state bucket of proposals touched in the window.
type ProposalCount struct {
	State string
	Count int
}

// Service assembles weekly report data and renders it.
type Service struct {
	db   *sql.DB
	zone *time.Location
	gen  *Generator
}

// NewService builds a report service over the shared database.
func NewService(db *sql.DB, zone *time.Location) *Service {
	if zone == nil {
		zone = time.UTC
	}
	return &Service{db: db, zone: zone, gen: NewGenerator()}
}

// Weekly renders the trailing-seven-day report ending at now.
func (s *Service) Weekly(ctx context.Context, now time.Time) ([]byte, error) {
	data, err := s.BuildWeekly(ctx, now)
	if err != nil {
		return nil, err
	}
	return s.gen.Generate(data)
}

// BuildWeekly gathers the report data for [now-7d, now).
func (s *Service) BuildWeekly(ctx context.Context, now time.Time) (*WeeklyData, error) {
	now = now.UTC()
	data := &WeeklyData{
		Start:       now.AddDate(0, 0, -7),
		End:         now,
		GeneratedAt: now,
		Timezone:    s.zone.String(),
	}

	var err error
	if data.Deviations, data.DeviationTotal, err = s.deviationCounts(ctx, data.Start, data.End); err != nil {
		return nil, err
	}
	if data.Anomalies, data.AnomalyTotal, err = s.anomalySummaries(ctx, data.Start, data.End); err != nil {
		return nil, err
	}
	if data.Proposals, data.ProposalTotal, err = s.proposalCounts(ctx, data.Start, data.End); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Service) deviationCounts(ctx context.Context, since, until time.Time) ([]DeviationCount, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, severity, COUNT(*)
		FROM deviations_v1
		WHERE last_seen_us >= ? AND last_seen_us < ?
		GROUP BY rule_id, severity
		ORDER BY rule_id, severity`,
		storage.Micros(since), storage.Micros(until))
	if err != nil {
		return nil, 0, errors.Internalf("reports.deviation_counts", err)
	}
	defer rows.Close()

	var counts []DeviationCount
	total := 0
	for rows.Next() {
		var c DeviationCount
		if err := rows.Scan(&c.RuleID, &c.Severity, &c.Count); err != nil {
			return nil, 0, errors.Internalf("reports.deviation_counts", err)
		}
		counts = append(counts, c)
		total += c.Count
	}
	return counts, total, rows.Err()
}

func (s *Service) anomalySummaries(ctx context.Context, since, until time.Time) ([]RoomAnomalySummary, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room, COUNT(*),
			SUM(CASE WHEN end_us IS NULL THEN 1 ELSE 0 END),
			MAX(level), MAX(peak_score),
			MAX(peak_bucket_us)
		FROM anomaly_episodes
		WHERE start_us < ? AND (end_us IS NULL OR end_us >= ?)
		GROUP BY room
		ORDER BY MAX(level) DESC, MAX(peak_score) DESC`,
		storage.Micros(until), storage.Micros(since))
	if err != nil {
		return nil, 0, errors.Internalf("reports.anomaly_summaries", err)
	}
	defer rows.Close()

	var summaries []RoomAnomalySummary
	total := 0
	for rows.Next() {
		var (
			sum    RoomAnomalySummary
			level  int
			peakUS int64
		)
		if err := rows.Scan(&sum.Room, &sum.Episodes, &sum.OpenNow, &level, &sum.PeakScore, &peakUS); err != nil {
			return nil, 0, errors.Internalf("reports.anomaly_summaries", err)
		}
		sum.WorstLevel = models.AnomalyLevel(level)
		sum.PeakAt = storage.FromMicros(peakUS)
		summaries = append(summaries, sum)
		total += sum.Episodes
	}
	return summaries, total, rows.Err()
}

func (s *Service) proposalCounts(ctx context.Context, since, until time.Time) ([]ProposalCount, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM proposals
		WHERE updated_us >= ? AND updated_us < ?
		GROUP BY state
		ORDER BY state`,
		storage.Micros(since), storage.Micros(until))
	if err != nil {
		return nil, 0, errors.Internalf("reports.proposal_counts", err)
	}
	defer rows.Close()

	var counts []ProposalCount
	total := 0
	for rows.Next() {
		var c ProposalCount
		if err := rows.Scan(&c.State, &c.Count); err != nil {
			return nil, 0, errors.Internalf("reports.proposal_counts", err)
		}
		counts = append(counts, c)
		total += c.Count
	}
	return counts, total, rows.Err()
}
