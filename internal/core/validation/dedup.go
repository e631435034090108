package validation

import (
	"strings"

	"karaoke/internal/core/schedule"
	"karaoke/internal/metrics"
)

// Normalize lowercases and collapses runs of whitespace. It is the equality
// used for every identifying field.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ShowKey identifies a show by venue, day and start time.
func ShowKey(s schedule.CandidateShow) string {
	return Normalize(s.VenueName) + "|" + Normalize(s.Day) + "|" + Normalize(s.StartTime)
}

func DJKey(d schedule.CandidateDJ) string { return Normalize(d.Name) }

func VendorKey(v schedule.CandidateVendor) string { return Normalize(v.Name) }

// ShowScore counts informative fields. Identifying fields are equal within
// a duplicate group and so are not counted.
func ShowScore(s schedule.CandidateShow) int {
	score := 0
	for _, f := range []string{s.Address, s.City, s.State, s.Zip, s.EndTime, s.DJName, s.VendorName, s.Description} {
		if strings.TrimSpace(f) != "" {
			score++
		}
	}
	if s.Lat != nil {
		score++
	}
	if s.Lng != nil {
		score++
	}
	if s.Confidence > 0 {
		score++
	}
	return score
}

func DJScore(d schedule.CandidateDJ) int {
	score := 0
	if len(d.Aliases) > 0 {
		score++
	}
	if strings.TrimSpace(d.Context) != "" {
		score++
	}
	if d.Confidence > 0 {
		score++
	}
	return score
}

func VendorScore(v schedule.CandidateVendor) int {
	score := 0
	if strings.TrimSpace(v.Website) != "" {
		score++
	}
	if strings.TrimSpace(v.Description) != "" {
		score++
	}
	if v.Confidence > 0 {
		score++
	}
	return score
}

// dedup collapses items with equal keys, keeping the highest score; on a
// tie the first seen item wins. Output order is the order in which each key
// was first seen, so the operation is idempotent and associative.
func dedup[T any](items []T, key func(T) string, score func(T) int) []T {
	if len(items) == 0 {
		return []T{}
	}
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		k := key(item)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, item)
			continue
		}
		if score(item) > score(out[i]) {
			out[i] = item
		}
	}
	return out
}

func DedupShows(shows []schedule.CandidateShow) []schedule.CandidateShow {
	out := dedup(shows, ShowKey, ShowScore)
	metrics.DedupCollapsed.WithLabelValues("show").Add(float64(len(shows) - len(out)))
	return out
}

func DedupDJs(djs []schedule.CandidateDJ) []schedule.CandidateDJ {
	out := dedup(djs, DJKey, DJScore)
	metrics.DedupCollapsed.WithLabelValues("dj").Add(float64(len(djs) - len(out)))
	return out
}

func DedupVendors(vendors []schedule.CandidateVendor) []schedule.CandidateVendor {
	out := dedup(vendors, VendorKey, VendorScore)
	metrics.DedupCollapsed.WithLabelValues("vendor").Add(float64(len(vendors) - len(out)))
	return out
}

// Dedup applies the three collapses to a candidate set.
func Dedup(c schedule.Candidates) schedule.Candidates {
	return schedule.Candidates{
		Shows:   DedupShows(c.Shows),
		DJs:     DedupDJs(c.DJs),
		Vendors: DedupVendors(c.Vendors),
	}
}

// Merge folds fresh candidates into existing ones. Existing entries come
// first so they win ties.
func Merge(existing, fresh schedule.Candidates) schedule.Candidates {
	var all schedule.Candidates
	all.Append(existing)
	all.Append(fresh)
	return Dedup(all)
}
