package tithe

import (
	"math"
	"sort"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Frequency thresholds, as the average gap in days between the three most recent tithes.
const (
	weeklyMaxGapDays  = 10
	monthlyMaxGapDays = 35
	frequencyWindow   = 3
)

// ClassifyFrequency classifies a member's giving from the three most recent tithe dates.
// It reports false when fewer than three dates are available.
func ClassifyFrequency(dates []time.Time) (domain.TitheFrequency, bool) {
	if len(dates) < frequencyWindow {
		return "", false
	}
	recent := append([]time.Time(nil), dates...)
	sort.Slice(recent, func(i, j int) bool { return recent[i].After(recent[j]) })
	recent = recent[:frequencyWindow]

	var total float64
	for i := 1; i < len(recent); i++ {
		total += recent[i-1].Sub(recent[i]).Hours() / 24
	}
	avg := total / float64(len(recent)-1)
	switch {
	case avg <= weeklyMaxGapDays:
		return domain.FrequencyWeekly, true
	case avg <= monthlyMaxGapDays:
		return domain.FrequencyMonthly, true
	default:
		return domain.FrequencyIrregular, true
	}
}

// aggregate is the derived giving block of a member.
type aggregate struct {
	Total      float64
	LastDate   *time.Time
	LastAmount float64
	Frequency  domain.TitheFrequency
	Classified bool
}

// computeAggregate derives the giving block from a member's active tithes, given in recording order.
// On a shared date the later recorded tithe is the last one, as in RecordTithe.
func computeAggregate(tithes []domain.TitheRecord) aggregate {
	var agg aggregate
	dates := make([]time.Time, 0, len(tithes))
	for _, t := range tithes {
		agg.Total += t.Amount
		dates = append(dates, t.TitheDate)
		if agg.LastDate == nil || !t.TitheDate.Before(*agg.LastDate) {
			d := t.TitheDate
			agg.LastDate = &d
			agg.LastAmount = t.Amount
		}
	}
	agg.Total = roundCents(agg.Total)
	agg.Frequency, agg.Classified = ClassifyFrequency(dates)
	return agg
}

// apply writes the aggregate onto m. An unclassified frequency leaves the stored one alone.
func (a aggregate) apply(m *domain.FullMember) {
	m.TotalTithes = a.Total
	m.LastTitheDate = a.LastDate
	m.LastTitheAmount = a.LastAmount
	if a.Classified {
		m.TitheFrequency = a.Frequency
	}
}

// drifted reports whether m's stored block disagrees with a.
func (a aggregate) drifted(m domain.FullMember) bool {
	if math.Abs(m.TotalTithes-a.Total) >= 0.005 {
		return true
	}
	if (m.LastTitheDate == nil) != (a.LastDate == nil) {
		return true
	}
	if a.LastDate != nil && !m.LastTitheDate.Equal(*a.LastDate) {
		return true
	}
	if math.Abs(m.LastTitheAmount-a.LastAmount) >= 0.005 {
		return true
	}
	return a.Classified && m.TitheFrequency != a.Frequency
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
