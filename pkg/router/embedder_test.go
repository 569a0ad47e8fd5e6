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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float64{1, 2, 3}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityZeroVectorIsZero(t *testing.T) {
	zero := []float64{0, 0, 0}
	v := []float64{1, 2, 3}
	assert.Equal(t, 0.0, CosineSimilarity(zero, v))
	assert.Equal(t, 0.0, CosineSimilarity(v, zero))
	assert.Equal(t, 0.0, CosineSimilarity(zero, zero))
}

func TestCosineSimilarityStaysInRange(t *testing.T) {
	pairs := [][2][]float64{
		{{1, 0}, {0, 1}},
		{{1, 1}, {-1, -1}},
		{{3, -2, 5}, {-1, 4, 2}},
	}
	for _, p := range pairs {
		s := CosineSimilarity(p[0], p[1])
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestTFIDFEmbedderSimilarDocsScoreHigherThanUnrelated(t *testing.T) {
	corpus := []string{
		"read and write files on disk",
		"execute a shell command",
		"search the web for results",
	}
	e := NewTFIDFEmbedder(corpus)

	query := e.Embed("read a file from disk")
	fileVec := e.Embed(corpus[0])
	shellVec := e.Embed(corpus[1])

	assert.Greater(t, CosineSimilarity(query, fileVec), CosineSimilarity(query, shellVec))
}

func TestTFIDFEmbedderUnknownTermsAreIgnored(t *testing.T) {
	e := NewTFIDFEmbedder([]string{"alpha beta"})
	vec := e.Embed("gamma delta")
	for _, v := range vec {
		assert.Equal(t, 0.0, v)
	}
}

func TestTFIDFEmbedderDimensionsMatchVocabSize(t *testing.T) {
	e := NewTFIDFEmbedder([]string{"alpha beta", "gamma"})
	assert.Equal(t, 3, e.Dimensions())
}
