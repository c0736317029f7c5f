package typeinfer

import "sort"

// Mismatch is the outcome of comparing a declared type with sampled data.
type Mismatch struct {
	Column      string       `json:"column"`
	Declared    Type         `json:"declared"`
	Majority    Type         `json:"majority"`
	Recommended Type         `json:"recommended"`
	IsMismatch  bool         `json:"is_mismatch"`
	Sampled     int          `json:"sampled"`
	Counts      map[Type]int `json:"counts,omitempty"`
}

// DetectTypeMismatch samples up to the engine's sample size from values and
// reports whether the majority inferred type contradicts declared. Results are
// memoized per (datasetID, column, declared).
func (e *Engine) DetectTypeMismatch(datasetID, column string, values []any, declared Type) Mismatch {
	if declared == "" {
		declared = TypeString
	}
	key := MismatchKey{Dataset: datasetID, Column: column, Declared: declared}
	if datasetID != "" {
		if m, ok := e.mismatches.Get(key); ok {
			return m
		}
	}

	sample := e.sample(values)
	counts := map[Type]int{}
	for _, v := range sample {
		t := e.Infer(v)
		if t == TypeNull {
			continue
		}
		counts[t]++
	}

	m := Mismatch{
		Column:      column,
		Declared:    declared,
		Majority:    majority(counts),
		Recommended: declared,
		Sampled:     len(sample),
		Counts:      counts,
	}
	if m.Majority != TypeNull && !Accepts(declared, m.Majority) {
		m.IsMismatch = true
		m.Recommended = m.Majority
	}
	if datasetID != "" {
		e.mismatches.Add(key, m)
	}
	return m
}

// Accepts reports whether values inferred as observed fit a column declared as
// declared without correction.
func Accepts(declared, observed Type) bool {
	switch {
	case declared == observed:
		return true
	case declared == TypeString:
		return true
	case declared == TypeFloat && observed == TypeInteger:
		return true
	case declared == TypeDateTime && observed == TypeDate:
		return true
	}
	return false
}

// majority picks the most frequent type; a tie resolves to string.
func majority(counts map[Type]int) Type {
	if len(counts) == 0 {
		return TypeNull
	}
	types := make([]Type, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) > 1 && counts[types[0]] == counts[types[1]] {
		return TypeString
	}
	return types[0]
}

// sample returns values unchanged when short enough, otherwise a uniform
// random subset of sampleSize distinct positions (Floyd's algorithm).
func (e *Engine) sample(values []any) []any {
	n := e.sampleSize
	if len(values) <= n {
		return values
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	picked := make(map[int]struct{}, n)
	for j := len(values) - n; j < len(values); j++ {
		i := e.rnd.IntN(j + 1)
		if _, dup := picked[i]; dup {
			i = j
		}
		picked[i] = struct{}{}
	}
	idx := make([]int, 0, n)
	for i := range picked {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]any, 0, n)
	for _, i := range idx {
		out = append(out, values[i])
	}
	return out
}
