// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"sort"
	"sync"
)

// Entry is one listener's compiled embedding plus the metadata the
// form-filler needs once it is chosen as a candidate (spec §4.6 step 4:
// "tool metadata{description, xml_template, payload_tag}").
type Entry struct {
	Name        string
	Description string
	XMLTemplate string
	PayloadTag  string
	Vector      []float64
}

// Match is a ranked index result.
type Match struct {
	Entry Entry
	Score float64
}

// EmbeddingIndex maps listener name -> embedding vector and answers the
// three queries spec §4.6 names: search, search_filtered, search_top_k.
// It is mutated only on registration or hot-reload and is read-only
// otherwise (spec §5 "Shared-resource policy"), so the whole index is
// swapped wholesale rather than mutated field-by-field, same discipline
// as security.Resolver.
type EmbeddingIndex struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	threshold float64
}

// NewEmbeddingIndex builds an index from entries with the given
// similarity threshold (spec §4.6: "threshold is a single configured
// constant").
func NewEmbeddingIndex(entries []Entry, threshold float64) *EmbeddingIndex {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	return &EmbeddingIndex{entries: byName, threshold: threshold}
}

// Reload atomically replaces the index contents, e.g. after an organism
// hot-reload changes listener semantic descriptions.
func (idx *EmbeddingIndex) Reload(entries []Entry, threshold float64) {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	idx.mu.Lock()
	idx.entries = byName
	idx.threshold = threshold
	idx.mu.Unlock()
}

// Search returns the single best match above the configured threshold,
// or false if nothing qualifies.
func (idx *EmbeddingIndex) Search(query []float64) (Match, bool) {
	return idx.SearchFiltered(query, nil)
}

// SearchFiltered restricts the search to allowed listener names. Per spec
// §8 "Router security filter": search_filtered(q, empty) is None, and any
// non-None result's name is a member of allowed.
func (idx *EmbeddingIndex) SearchFiltered(query []float64, allowed []string) (Match, bool) {
	if allowed != nil && len(allowed) == 0 {
		return Match{}, false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var allowSet map[string]bool
	if allowed != nil {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}

	best := Match{Score: -2} // below any possible cosine score
	found := false
	for name, e := range idx.entries {
		if allowSet != nil && !allowSet[name] {
			continue
		}
		score := CosineSimilarity(query, e.Vector)
		if score > best.Score {
			best = Match{Entry: e, Score: score}
			found = true
		}
	}
	if !found || best.Score < idx.threshold {
		return Match{}, false
	}
	return best, true
}

// SearchTopK returns the k best matches regardless of threshold, for
// debugging (spec §4.6).
func (idx *EmbeddingIndex) SearchTopK(query []float64, k int) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, len(idx.entries))
	for _, e := range idx.entries {
		matches = append(matches, Match{Entry: e, Score: CosineSimilarity(query, e.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}
