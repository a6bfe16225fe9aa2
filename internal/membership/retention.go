// internal/membership/retention.go
package membership

import (
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// RetentionScore estimates, from 0 to 100, how likely a visitor is to keep attending.
// Half the score comes from total visits, 30 points from consecutive Sundays and 20 from recency.
func RetentionScore(v domain.Visitor, now time.Time) int {
	score := float64(min(v.TotalVisits, 10)) * 5
	score += float64(min(v.ConsecutiveSundays, 4)) * 7.5

	if !v.LastVisitDate.IsZero() {
		days := domain.DateOnly(now.UTC()).Sub(domain.DateOnly(v.LastVisitDate.UTC())).Hours() / 24
		switch {
		case days <= 7:
			score += 20
		case days <= 14:
			score += 15
		case days <= 30:
			score += 10
		case days <= 60:
			score += 5
		}
	}
	return max(0, min(100, int(score)))
}

// nextConsecutiveSundays advances the streak for a visit on day given the previous visit.
func nextConsecutiveSundays(current int, previous, day time.Time) int {
	if day.Weekday() != time.Sunday {
		return current
	}
	if !previous.IsZero() && domain.ServiceDate(previous).Equal(domain.DateOnly(day).AddDate(0, 0, -7)) {
		return current + 1
	}
	return 1
}
