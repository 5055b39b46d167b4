package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// FuzzyThreshold is the minimum similarity for a fuzzy product match.
const FuzzyThreshold = 0.7

// Match is the outcome of resolving a raw product token.
type Match struct {
	Product    Product
	Similarity float64 // 1.0 for exact and alias matches.
	// Ambiguous carries the competing products when several share the best
	// similarity. Product is unset in that case.
	Ambiguous []Product
}

// Exact reports whether the match was by canonical name or alias.
func (m Match) Exact() bool { return m.Similarity == 1 && len(m.Ambiguous) == 0 }

// Resolver resolves raw product names against an in-memory snapshot of the
// catalog. Resolution order: exact canonical name, exact alias, token-set
// similarity, and last Jaro-Winkler for single-token typos. Snapshots are
// cheap to rebuild; callers refresh them on their own cadence.
type Resolver struct {
	products []Product
	byName   map[string]int
	byAlias  map[string]int
}

// NewResolver indexes |products| for resolution.
func NewResolver(products []Product) *Resolver {
	var r = &Resolver{
		products: products,
		byName:   make(map[string]int, len(products)),
		byAlias:  make(map[string]int),
	}
	for i, p := range products {
		r.byName[foldName(p.Name)] = i
		for _, alias := range p.Aliases {
			r.byAlias[foldName(alias)] = i
		}
	}
	return r
}

// LoadResolver builds a Resolver from the full product catalog.
func LoadResolver(ctx context.Context, store *Store) (*Resolver, error) {
	var products, err = store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading products for resolver: %w", err)
	}
	return NewResolver(products), nil
}

func foldName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Resolve maps |raw| to a product. ok is false when nothing reaches the
// fuzzy threshold. A Match with Ambiguous set means several products tied
// at the best similarity and the caller must ask which was meant.
func (r *Resolver) Resolve(raw string) (Match, bool) {
	var folded = foldName(raw)
	if folded == "" {
		return Match{}, false
	}
	if i, found := r.byName[folded]; found {
		return Match{Product: r.products[i], Similarity: 1}, true
	}
	if i, found := r.byAlias[folded]; found {
		return Match{Product: r.products[i], Similarity: 1}, true
	}

	if m, ok := r.fuzzyPass(raw, TokenSetRatio, exactTie); ok {
		return m, true
	}
	// Jaro-Winkler values rarely collide exactly; ties are taken at two
	// decimal places so near-identical candidates still surface as ambiguous.
	return r.fuzzyPass(raw, JaroWinkler, roundedTie)
}

func exactTie(a, b float64) bool   { return a == b }
func roundedTie(a, b float64) bool { return math.Round(a*100) == math.Round(b*100) }

func (r *Resolver) fuzzyPass(raw string, metric func(a, b string) float64, tie func(a, b float64) bool) (Match, bool) {
	var best float64
	var bestIdx []int
	for i, p := range r.products {
		var score = metric(raw, p.Name)
		for _, alias := range p.Aliases {
			if s := metric(raw, alias); s > score {
				score = s
			}
		}
		switch {
		case score < FuzzyThreshold:
		case tie(score, best):
			bestIdx = append(bestIdx, i)
		case score > best:
			best, bestIdx = score, append(bestIdx[:0], i)
		}
	}

	switch len(bestIdx) {
	case 0:
		return Match{}, false
	case 1:
		return Match{Product: r.products[bestIdx[0]], Similarity: best}, true
	default:
		var m = Match{Similarity: best}
		for _, i := range bestIdx {
			m.Ambiguous = append(m.Ambiguous, r.products[i])
		}
		return m, true
	}
}
