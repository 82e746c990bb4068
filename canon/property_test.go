package canon_test

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jmillpps/codex-manager/canon"
)

// shuffleKeys rebuilds a map[string]any with the same entries but a
// randomized construction order. Go map iteration order is already
// randomized per-process, but inserting the keys in shuffled order into a
// fresh map exercises a different underlying bucket layout than the original.
func shuffleKeys(r *rand.Rand, m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

// TestProperty_StableJSONInsensitiveToKeyOrder checks the invariant from the
// testable-properties list: stable_json(a) == stable_json(b) whenever a and b
// are the same object constructed with different key insertion orders.
func TestProperty_StableJSONInsensitiveToKeyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	props := gopter.NewProperties(parameters)

	props.Property("stable JSON is invariant under map key reordering", prop.ForAll(
		func(seed int64, keys []string, values []int) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			m := make(map[string]any, n)
			for i := 0; i < n; i++ {
				m[keys[i]] = values[i]
			}
			r := rand.New(rand.NewSource(seed))
			shuffled := shuffleKeys(r, m)

			sa, err := canon.StableJSON(m)
			if err != nil {
				return false
			}
			sb, err := canon.StableJSON(shuffled)
			if err != nil {
				return false
			}
			return string(sa) == string(sb) && canon.Hash(sa) == canon.Hash(sb)
		},
		gen.Int64(),
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	props.TestingRun(t)
}
