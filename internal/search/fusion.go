package search

import (
	"sort"

	"github.com/narlysoftware/fastsearchd/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter k=60, used by
// OpenSearch, Azure AI Search and this implementation's Python reference.
const DefaultRRFConstant = 60

// fetchMultiplier is how many candidates each path fetches relative to the
// requested limit, per spec.md §4.2 ("fetch_limit = 3 * limit").
const fetchMultiplier = 3

// rankedDoc accumulates RRF contributions for one candidate id while fusing.
type rankedDoc struct {
	id       int64
	rrfScore float64
	bm25Rank int // 1-indexed, 0 if absent
	vecRank  int // 1-indexed, 0 if absent
}

// fuseRRF combines BM25 and vector candidate lists with Reciprocal Rank
// Fusion, exactly per spec.md §4.2:
//
//	rrf(id) = w_bm25 * 1/(k + bm25_rank(id)) + w_vec * 1/(k + vec_rank(id))
//
// An id missing from a list is assigned the sentinel rank fetchLimit+1 for
// that list's contribution — a penalty, not an infinite one, so a
// single-modality hit still competes. fetchLimit is the per-path candidate
// count actually fetched (3*limit by convention, but passed explicitly so
// callers that fetch fewer candidates than requested still fuse correctly).
//
// Sort order: RRFScore descending; ties broken by (bm25Rank asc, vecRank
// asc, id asc), with an absent rank treated as greater than any present
// rank for tie-break purposes.
func fuseRRF(bm25 []*store.BM25Result, vec []*store.VectorResult, weights Weights, k int, fetchLimit int) []*rankedDoc {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	docs := make(map[int64]*rankedDoc, len(bm25)+len(vec))
	getOrCreate := func(id int64) *rankedDoc {
		d, ok := docs[id]
		if !ok {
			d = &rankedDoc{id: id}
			docs[id] = d
		}
		return d
	}

	for i, r := range bm25 {
		d := getOrCreate(r.DocID)
		d.bm25Rank = i + 1
		d.rrfScore += weights.BM25 / float64(k+d.bm25Rank)
	}

	for i, r := range vec {
		d := getOrCreate(r.ID)
		d.vecRank = i + 1
		d.rrfScore += weights.Vec / float64(k+d.vecRank)
	}

	missingRank := fetchLimit + 1
	for _, d := range docs {
		if d.bm25Rank == 0 {
			d.rrfScore += weights.BM25 / float64(k+missingRank)
		}
		if d.vecRank == 0 {
			d.rrfScore += weights.Vec / float64(k+missingRank)
		}
	}

	results := make([]*rankedDoc, 0, len(docs))
	for _, d := range docs {
		results = append(results, d)
	}

	sort.Slice(results, func(i, j int) bool {
		return lessRanked(results[i], results[j], missingRank)
	})

	return results
}

// lessRanked reports whether a ranks before b: higher RRFScore first, then
// the tie-break (bm25Rank asc, vecRank asc, id asc) from spec.md §4.2.
// Absent ranks (0) sort as missingRank, matching their scoring contribution.
func lessRanked(a, b *rankedDoc, missingRank int) bool {
	if a.rrfScore != b.rrfScore {
		return a.rrfScore > b.rrfScore
	}

	aBM25, bBM25 := rankOrMissing(a.bm25Rank, missingRank), rankOrMissing(b.bm25Rank, missingRank)
	if aBM25 != bBM25 {
		return aBM25 < bBM25
	}

	aVec, bVec := rankOrMissing(a.vecRank, missingRank), rankOrMissing(b.vecRank, missingRank)
	if aVec != bVec {
		return aVec < bVec
	}

	return a.id < b.id
}

func rankOrMissing(rank, missingRank int) int {
	if rank == 0 {
		return missingRank
	}
	return rank
}
