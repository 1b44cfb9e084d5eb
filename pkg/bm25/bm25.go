// Package bm25 implements Okapi BM25 scoring over a small candidate set.
// The searcher recalls candidates with Postgres full-text search and
// re-scores them here, so the index never holds more than a page of docs.
package bm25

import (
	"math"
	"strings"
	"unicode"
)

// Params are the Okapi BM25 free parameters.
type Params struct {
	K1 float64
	B  float64
}

// DefaultParams returns the conventional K1=1.2, B=0.75.
func DefaultParams() Params {
	return Params{K1: 1.2, B: 0.75}
}

// Tokenize lowercases s and splits it on non-alphanumeric runes. Tokens
// shorter than two runes are dropped.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// Scorer accumulates candidate documents and scores queries against them.
// Corpus-level document count and average length may be set separately so
// IDF reflects the whole index rather than just the recalled page.
type Scorer struct {
	p    Params
	tf   []map[string]int
	lens []int
	df   map[string]int

	corpusDocs   int
	corpusAvgLen float64
}

// NewScorer returns an empty scorer with the given parameters.
func NewScorer(p Params) *Scorer {
	if p.K1 <= 0 {
		p.K1 = DefaultParams().K1
	}
	if p.B < 0 || p.B > 1 {
		p.B = DefaultParams().B
	}
	return &Scorer{p: p, df: make(map[string]int)}
}

// Add indexes one document's terms and returns its position.
func (s *Scorer) Add(terms []string) int {
	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}
	for t := range freq {
		s.df[t]++
	}
	s.tf = append(s.tf, freq)
	s.lens = append(s.lens, len(terms))
	return len(s.tf) - 1
}

// SetCorpus overrides the document count and average length used for IDF
// and length normalization. Values at or below zero are ignored.
func (s *Scorer) SetCorpus(docs int, avgLen float64) {
	if docs > 0 {
		s.corpusDocs = docs
	}
	if avgLen > 0 {
		s.corpusAvgLen = avgLen
	}
}

func (s *Scorer) docCount() float64 {
	n := len(s.tf)
	if s.corpusDocs > n {
		n = s.corpusDocs
	}
	if n == 0 {
		n = 1
	}
	return float64(n)
}

func (s *Scorer) avgLen() float64 {
	if s.corpusAvgLen > 0 {
		return s.corpusAvgLen
	}
	if len(s.lens) == 0 {
		return 1
	}
	var total int
	for _, l := range s.lens {
		total += l
	}
	avg := float64(total) / float64(len(s.lens))
	if avg <= 0 {
		return 1
	}
	return avg
}

// idf uses the standard smoothed form, never negative.
func (s *Scorer) idf(term string) float64 {
	n := s.docCount()
	df := float64(s.df[term])
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Score computes the BM25 score of query terms against document doc.
func (s *Scorer) Score(query []string, doc int) float64 {
	if doc < 0 || doc >= len(s.tf) || len(query) == 0 {
		return 0
	}
	freq := s.tf[doc]
	dl := float64(s.lens[doc])
	avg := s.avgLen()
	var score float64
	for _, term := range query {
		f := float64(freq[term])
		if f == 0 {
			continue
		}
		num := f * (s.p.K1 + 1)
		den := f + s.p.K1*(1-s.p.B+s.p.B*dl/avg)
		score += s.idf(term) * num / den
	}
	return score
}

// ScoreAll scores the query against every indexed document in order.
func (s *Scorer) ScoreAll(query []string) []float64 {
	out := make([]float64, len(s.tf))
	for i := range s.tf {
		out[i] = s.Score(query, i)
	}
	return out
}

// Normalize rescales scores into [0,1] by dividing by the maximum. A zero
// or negative maximum yields all zeros.
func Normalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	var max float64
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return out
	}
	for i, v := range scores {
		if v > 0 {
			out[i] = v / max
		}
	}
	return out
}
