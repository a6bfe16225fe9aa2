package linkage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Match scoring weights. Signals are additive and uncapped.
const (
	scoreExactName   = 100
	scoreNameOverlap = 50
	scorePhone       = 80
	scoreEmail       = 70
	scoreDOB         = 60
	scoreGender      = 20

	matchThreshold = 40
	maxMatches     = 10
)

// Score returns the weighted similarity between an employee and a member and the signals that fired.
func Score(e domain.Employee, m domain.FullMember) (float64, []string) {
	var (
		score   float64
		signals []string
	)

	en, mn := domain.NormalizeName(e.FullName()), domain.NormalizeName(m.FullName())
	switch {
	case en != "" && en == mn:
		score += scoreExactName
		signals = append(signals, "name")
	default:
		if overlap := tokenOverlap(en, mn); overlap > 0 {
			score += overlap * scoreNameOverlap
			signals = append(signals, "partial_name")
		}
	}

	if p := domain.NormalizePhone(e.Phone); p != "" && p == domain.NormalizePhone(m.Phone) {
		score += scorePhone
		signals = append(signals, "phone")
	}
	if em := domain.NormalizeEmail(e.Email); em != "" && em == domain.NormalizeEmail(m.Email) {
		score += scoreEmail
		signals = append(signals, "email")
	}
	if domain.SameDate(e.DateOfBirth, m.DateOfBirth) {
		score += scoreDOB
		signals = append(signals, "date_of_birth")
	}
	if g := strings.TrimSpace(e.Gender); g != "" && strings.EqualFold(g, strings.TrimSpace(m.Gender)) {
		score += scoreGender
		signals = append(signals, "gender")
	}
	return score, signals
}

// tokenOverlap is |common tokens| / max(token counts) over two normalized names.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		set[t] = struct{}{}
	}
	common := 0
	for _, t := range ta {
		if _, ok := set[t]; ok {
			common++
			delete(set, t)
		}
	}
	return float64(common) / float64(max(len(ta), len(tb)))
}

// RankMatches scores every unlinked member against e and returns up to ten candidates scoring at
// least 40, highest first. Equal scores keep the input order.
func RankMatches(e domain.Employee, members []domain.FullMember) []Match {
	matches := make([]Match, 0)
	for _, m := range members {
		if m.IsEmployee || !m.IsActive {
			continue
		}
		score, signals := Score(e, m)
		if score >= matchThreshold {
			matches = append(matches, Match{Member: m, Score: score, Signals: signals})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches
}

// CompareFields reports one message per identity field that differs between a linked pair.
// It never corrects anything.
func CompareFields(e domain.Employee, m domain.FullMember) []string {
	var out []string
	if domain.NormalizeName(e.FullName()) != domain.NormalizeName(m.FullName()) {
		out = append(out, fmt.Sprintf("Name mismatch: employee %q, member %q", e.FullName(), m.FullName()))
	}
	if domain.NormalizePhone(e.Phone) != domain.NormalizePhone(m.Phone) {
		out = append(out, fmt.Sprintf("Phone mismatch: employee %q, member %q", e.Phone, m.Phone))
	}
	if domain.NormalizeEmail(e.Email) != domain.NormalizeEmail(m.Email) {
		out = append(out, fmt.Sprintf("Email mismatch: employee %q, member %q", e.Email, m.Email))
	}
	if !strings.EqualFold(strings.TrimSpace(e.Gender), strings.TrimSpace(m.Gender)) {
		out = append(out, fmt.Sprintf("Gender mismatch: employee %q, member %q", e.Gender, m.Gender))
	}
	if !sameOptionalDate(e.DateOfBirth, m.DateOfBirth) {
		out = append(out, fmt.Sprintf("Date of birth mismatch: employee %s, member %s",
			formatDate(e.DateOfBirth), formatDate(m.DateOfBirth)))
	}
	return out
}

// sameOptionalDate treats two missing dates as equal, unlike domain.SameDate.
func sameOptionalDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return domain.SameDate(a, b)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.DateOnly)
}
