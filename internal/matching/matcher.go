package matching

import (
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

const (
	// DedupThreshold is the score at which a listing is merged into an existing product.
	DedupThreshold = 0.8
	// SimilarThreshold groups comparable products across stores.
	SimilarThreshold = 0.7

	descriptionPrefix = 200
	fuzzyBrandFloor   = 0.8
)

type Weights struct {
	Name        float64
	Brand       float64
	Description float64
	Price       float64
}

var DefaultWeights = Weights{Name: 0.4, Brand: 0.3, Description: 0.2, Price: 0.1}

// Candidate is the subset of a product or listing the matcher looks at.
type Candidate struct {
	ID          string
	Name        string
	Brand       string
	Description string
	Price       decimal.Decimal
	UpdatedAt   time.Time
}

type Breakdown struct {
	Name        float64 `json:"name"`
	Brand       float64 `json:"brand"`
	Description float64 `json:"description"`
	Price       float64 `json:"price"`
	Total       float64 `json:"total"`
}

type Match struct {
	Candidate
	Score float64
}

// Matcher scores product pairs. It holds no state beyond its weights.
type Matcher struct {
	weights Weights
}

func NewMatcher() *Matcher {
	return &Matcher{weights: DefaultWeights}
}

func NewMatcherWithWeights(w Weights) *Matcher {
	return &Matcher{weights: w}
}

func (m *Matcher) Score(a, b Candidate) float64 {
	return m.Breakdown(a, b).Total
}

func (m *Matcher) Breakdown(a, b Candidate) Breakdown {
	bd := Breakdown{
		Name:        nameSimilarity(a.Name, b.Name),
		Brand:       brandSimilarity(a.Brand, b.Brand),
		Description: descriptionSimilarity(a.Description, b.Description),
		Price:       priceCloseness(a.Price, b.Price),
	}

	w := m.weights
	sum := w.Name + w.Brand + w.Description + w.Price
	if sum <= 0 {
		return bd
	}
	weighted := w.Name*bd.Name + w.Brand*bd.Brand + w.Description*bd.Description + w.Price*bd.Price
	bd.Total = clamp(weighted / sum)
	return bd
}

// BestMatch returns the highest scoring candidate at or above threshold. Ties
// go to the most recently updated candidate.
func (m *Matcher) BestMatch(target Candidate, candidates []Candidate, threshold float64) (Match, bool) {
	ranked := m.Rank(target, candidates, threshold)
	if len(ranked) == 0 {
		return Match{}, false
	}
	return ranked[0], true
}

// Rank scores every candidate and returns those at or above threshold, best first.
func (m *Matcher) Rank(target Candidate, candidates []Candidate, threshold float64) []Match {
	var out []Match
	for _, c := range candidates {
		if c.ID != "" && c.ID == target.ID {
			continue
		}
		if s := m.Score(target, c); s >= threshold {
			out = append(out, Match{Candidate: c, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// nameSimilarity averages token overlap and edit similarity.
func nameSimilarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	return (jaccard(tokens(na), tokens(nb)) + editSimilarity(na, nb)) / 2
}

func brandSimilarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	switch {
	case na == "" && nb == "":
		return 1
	case na == "" || nb == "":
		return 0
	case na == nb:
		return 1
	}
	if s := editSimilarity(na, nb); s >= fuzzyBrandFloor {
		return s
	}
	return 0
}

func descriptionSimilarity(a, b string) float64 {
	return editSimilarity(prefix(normalize(a), descriptionPrefix), prefix(normalize(b), descriptionPrefix))
}

// priceCloseness is 1 - |a-b| / max(a,b).
func priceCloseness(a, b decimal.Decimal) float64 {
	hi := decimal.Max(a, b)
	if !hi.IsPositive() {
		if a.Equal(b) {
			return 1
		}
		return 0
	}
	diff, _ := a.Sub(b).Abs().Div(hi).Float64()
	return clamp(1 - diff)
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func editSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
