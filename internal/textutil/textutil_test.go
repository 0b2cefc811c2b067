package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello   World\n"))
	assert.Equal(t, "", Normalize("   "))
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The user prefers dark-mode themes!")
	assert.Equal(t, []string{"user", "prefers", "dark", "mode", "themes"}, tokens)

	assert.Empty(t, Tokenize("a I ?"), "stopwords and single chars are dropped")
}

func TestTermCounts(t *testing.T) {
	tf := TermCounts("python python database")
	require.Len(t, tf, 2)
	assert.Equal(t, 2, tf["python"])
	assert.Equal(t, 1, tf["database"])

	assert.Nil(t, TermCounts(""))
}

func TestTrigrams(t *testing.T) {
	grams := Trigrams("abcd")
	require.Len(t, grams, 2)
	assert.Contains(t, grams, "abc")
	assert.Contains(t, grams, "bcd")

	short := Trigrams("Go")
	require.Len(t, short, 1)
	assert.Contains(t, short, "go")

	assert.Nil(t, Trigrams(""))
}

func TestJaccard(t *testing.T) {
	a := Trigrams("python programming")
	assert.InDelta(t, 1.0, Jaccard(a, Trigrams("python programming")), 1e-9)
	assert.Equal(t, 0.0, Jaccard(a, nil))

	sim := Jaccard(a, Trigrams("python programing"))
	assert.Greater(t, sim, 0.5, "near-duplicate spelling stays similar")
	assert.Less(t, sim, 1.0)

	assert.Less(t, Jaccard(a, Trigrams("database tuning")), 0.2)
}

func TestCosine(t *testing.T) {
	a := map[string]float64{"python": 1, "code": 1}
	b := map[string]float64{"python": 2, "code": 2}
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9, "scale invariant")

	c := map[string]float64{"database": 1}
	assert.Equal(t, 0.0, Cosine(a, c))
	assert.Equal(t, 0.0, Cosine(a, nil))

	d := map[string]float64{"python": 1, "database": 1}
	got := Cosine(a, d)
	assert.Greater(t, got, 0.4)
	assert.Less(t, got, 0.6)
}
