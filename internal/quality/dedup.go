package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DuplicateType labels how a record matched its group.
type DuplicateType string

const (
	DuplicateExact   DuplicateType = "exact"
	DuplicatePartial DuplicateType = "partial"
)

// Strategy selects which record of a duplicate group survives removal.
type Strategy string

const (
	KeepFirst          Strategy = "keep_first"
	KeepLast           Strategy = "keep_last"
	KeepHighestQuality Strategy = "keep_highest_quality"
)

// DuplicateRecord points at one member of a duplicate group by its index in
// the input slice.
type DuplicateRecord struct {
	Index      int           `json:"index"`
	Type       DuplicateType `json:"duplicate_type"`
	Similarity float64       `json:"similarity_score"`
}

// DuplicateGroup is a set of two or more records sharing a primary key
// (code, date). Every record with that key is a member, whatever its
// similarity to the group's first record.
type DuplicateGroup struct {
	PrimaryKey string            `json:"primary_key"`
	Records    []DuplicateRecord `json:"records"`
}

// Report aggregates one deduplication run.
type Report struct {
	TotalProcessed    int              `json:"total_processed"`
	DuplicatesFound   int              `json:"duplicates_found"`
	DuplicatesRemoved int              `json:"duplicates_removed"`
	Groups            []DuplicateGroup `json:"duplicate_groups"`
	ExecutionTime     time.Duration    `json:"execution_time"`
	ProcessedAt       time.Time        `json:"processed_at"`
}

// Statistics summarizes found groups for the admin surface.
type Statistics struct {
	TotalGroups            int                   `json:"total_groups"`
	TotalDuplicates        int                   `json:"total_duplicates"`
	DuplicateTypes         map[DuplicateType]int `json:"duplicate_types"`
	SimilarityDistribution map[string]int        `json:"similarity_distribution"`
}

// Deduplicator finds and removes duplicate records.
//
// Records are bucketed by primary key (code, date) first, so the pairwise
// similarity comparison only runs within a bucket and the quadratic worst
// case never materializes on realistic inputs.
type Deduplicator struct {
	threshold float64
	log       zerolog.Logger
}

// NewDeduplicator creates a deduplicator with the given partial-match
// similarity threshold (0 falls back to 0.8).
func NewDeduplicator(threshold float64, log zerolog.Logger) *Deduplicator {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Deduplicator{
		threshold: threshold,
		log:       log.With().Str("component", "deduplication").Logger(),
	}
}

// compareFields are the record fields entering the hash and similarity
// computations.
var compareFields = []string{"open", "close", "high", "low", "volume", "turnover"}

func fieldValue(r *Record, field string) float64 {
	switch field {
	case "open":
		return r.Open
	case "close":
		return r.Close
	case "high":
		return r.High
	case "low":
		return r.Low
	case "volume":
		return float64(r.Volume)
	case "turnover":
		return r.Turnover
	}
	return 0
}

// Hash returns a stable digest of the record's compared fields.
func (d *Deduplicator) Hash(r *Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", r.Code, r.Date)
	for _, f := range compareFields {
		fmt.Fprintf(h, "|%s=%v", f, fieldValue(r, f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Similarity returns the fraction of compared fields with equal values.
func (d *Deduplicator) Similarity(a, b *Record) float64 {
	matching := 0
	for _, f := range compareFields {
		if fieldValue(a, f) == fieldValue(b, f) {
			matching++
		}
	}
	return float64(matching) / float64(len(compareFields))
}

// Classify returns the duplicate type for a pair, or "" when the pair is
// not a duplicate. Records sharing the primary key (code, date) are always
// duplicates: exact when every compared field matches, partial otherwise.
// Records with different keys only form a duplicate above the similarity
// threshold.
func (d *Deduplicator) Classify(a, b *Record) (DuplicateType, float64) {
	sim := d.Similarity(a, b)
	if a.Code == b.Code && a.Date == b.Date {
		if sim == 1.0 {
			return DuplicateExact, sim
		}
		return DuplicatePartial, sim
	}
	if sim >= d.threshold {
		return DuplicatePartial, sim
	}
	return "", sim
}

// FindDuplicates returns duplicate groups in the input slice. The first
// record of each group is its reference; later members carry the match
// type against that reference.
func (d *Deduplicator) FindDuplicates(records []Record) []DuplicateGroup {
	buckets := make(map[string][]int)
	var order []string
	for i := range records {
		key := records[i].Code + "_" + records[i].Date
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	var groups []DuplicateGroup
	for _, key := range order {
		idxs := buckets[key]
		if len(idxs) < 2 {
			continue
		}

		ref := idxs[0]
		group := DuplicateGroup{
			PrimaryKey: key,
			Records: []DuplicateRecord{{
				Index:      ref,
				Type:       DuplicateExact,
				Similarity: 1.0,
			}},
		}
		for _, idx := range idxs[1:] {
			dupType, sim := d.Classify(&records[ref], &records[idx])
			if dupType == "" {
				continue
			}
			group.Records = append(group.Records, DuplicateRecord{
				Index:      idx,
				Type:       dupType,
				Similarity: sim,
			})
		}
		if len(group.Records) >= 2 {
			groups = append(groups, group)
		}
	}
	return groups
}

// Remove drops all but the surviving record of each group per the strategy
// and returns the kept records plus the removal count.
func (d *Deduplicator) Remove(records []Record, groups []DuplicateGroup, strategy Strategy) ([]Record, int) {
	drop := make(map[int]bool)

	for _, group := range groups {
		keep := group.Records[0].Index
		switch strategy {
		case KeepLast:
			keep = group.Records[len(group.Records)-1].Index
		case KeepHighestQuality:
			best := -1.0
			for _, r := range group.Records {
				if score := records[r.Index].QualityScore; score > best {
					best = score
					keep = r.Index
				}
			}
		}
		for _, r := range group.Records {
			if r.Index != keep {
				drop[r.Index] = true
			}
		}
	}

	kept := make([]Record, 0, len(records)-len(drop))
	for i := range records {
		if !drop[i] {
			kept = append(kept, records[i])
		}
	}
	return kept, len(drop)
}

// Deduplicate runs find+remove in one pass and returns the survivors with
// the run report.
func (d *Deduplicator) Deduplicate(records []Record, strategy Strategy) ([]Record, Report) {
	start := time.Now()

	groups := d.FindDuplicates(records)
	kept, removed := d.Remove(records, groups, strategy)

	found := 0
	for _, g := range groups {
		found += len(g.Records) - 1
	}

	report := Report{
		TotalProcessed:    len(records),
		DuplicatesFound:   found,
		DuplicatesRemoved: removed,
		Groups:            groups,
		ExecutionTime:     time.Since(start),
		ProcessedAt:       start,
	}

	d.log.Debug().
		Int("total", report.TotalProcessed).
		Int("found", report.DuplicatesFound).
		Int("removed", report.DuplicatesRemoved).
		Str("strategy", string(strategy)).
		Msg("Deduplication finished")
	return kept, report
}

// Stats summarizes duplicate groups.
func (d *Deduplicator) Stats(groups []DuplicateGroup) Statistics {
	stats := Statistics{
		TotalGroups:            len(groups),
		DuplicateTypes:         make(map[DuplicateType]int),
		SimilarityDistribution: make(map[string]int),
	}
	for _, g := range groups {
		for _, r := range g.Records[1:] {
			stats.TotalDuplicates++
			stats.DuplicateTypes[r.Type]++
			switch {
			case r.Similarity >= 1.0:
				stats.SimilarityDistribution["1.0"]++
			case r.Similarity >= 0.9:
				stats.SimilarityDistribution["0.9-1.0"]++
			case r.Similarity >= 0.8:
				stats.SimilarityDistribution["0.8-0.9"]++
			default:
				stats.SimilarityDistribution["<0.8"]++
			}
		}
	}
	return stats
}
