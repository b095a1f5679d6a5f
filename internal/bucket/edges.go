// Package bucket assigns percent values to half-open, labeled ranges.
package bucket

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"market-breadth/internal/domain"
)

// Edges is a strictly ascending list of percent thresholds.
// n edges define n+1 buckets: (-inf, e0), [e0, e1), ..., [e(n-1), +inf).
type Edges []float64

// Validate checks that edges are non-empty, finite and strictly ascending.
func (e Edges) Validate() error {
	if len(e) == 0 {
		return fmt.Errorf("%w: bucket edges are empty", domain.ErrInvalidConfig)
	}
	for i, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bucket edge %d is not finite", domain.ErrInvalidConfig, i)
		}
		if i > 0 && v <= e[i-1] {
			return fmt.Errorf("%w: bucket edges must be strictly ascending (%v after %v)",
				domain.ErrInvalidConfig, v, e[i-1])
		}
	}
	return nil
}

// Len returns the number of buckets.
func (e Edges) Len() int {
	return len(e) + 1
}

// Index returns the bucket for v: the number of edges <= v.
func (e Edges) Index(v float64) int {
	return sort.Search(len(e), func(i int) bool { return e[i] > v })
}

// Labels returns one label per bucket, e.g. "<-10%", "-10%~-5%", ">10%".
func (e Edges) Labels() []string {
	if len(e) == 0 {
		return []string{"all"}
	}
	labels := make([]string, 0, e.Len())
	labels = append(labels, "<"+pct(e[0]))
	for i := 1; i < len(e); i++ {
		labels = append(labels, pct(e[i-1])+"~"+pct(e[i]))
	}
	labels = append(labels, ">"+pct(e[len(e)-1]))
	return labels
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}
