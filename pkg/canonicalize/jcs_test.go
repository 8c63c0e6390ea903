package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysRecursively(t *testing.T) {
	input := map[string]any{
		"params":     map[string]any{"year": 2026, "month": 1},
		"bank_id":    "default",
		"request_id": "r-1",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"bank_id":"default","params":{"month":1,"year":2026},"request_id":"r-1"}`, string(b))
}

func TestJCS_ArraysKeepOrder(t *testing.T) {
	b, err := JCS(map[string]any{"list": []any{3, "b", 1, map[string]any{"z": 1, "a": 2}}})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[3,"b",1,{"a":2,"z":1}]}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"filename": "<jan> & <feb>.pdf"})
	require.NoError(t, err)
	assert.Equal(t, `{"filename":"<jan> & <feb>.pdf"}`, string(b))
}

func TestJCS_StructTagsMatchMapForm(t *testing.T) {
	type params struct {
		Year  int `json:"year"`
		Month int `json:"month"`
	}
	fromStruct, err := JCS(params{Year: 2026, Month: 3})
	require.NoError(t, err)
	fromMap, err := JCS(map[string]any{"month": 3, "year": 2026})
	require.NoError(t, err)
	assert.Equal(t, string(fromMap), string(fromStruct))
}

func TestJCS_NumbersUseShortestForm(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"bytes":1.0e3,"ratio":0.50}`))
	require.NoError(t, err)

	b, err := JCS(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"bytes":1000,"ratio":0.5}`, string(b))
}

func TestDecodeObject_RejectsNonObjects(t *testing.T) {
	_, err := DecodeObject([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = DecodeObject([]byte(`null`))
	assert.Error(t, err)

	_, err = DecodeObject([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestCanonicalHash_Stability(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(S{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

// Insertion order of keys must never influence the canonical bytes.
func TestJCS_KeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form ignores construction order", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if _, seen := backward[keys[i]]; !seen {
					backward[keys[i]] = forward[keys[i]]
				}
			}
			a, errA := JCS(forward)
			b, errB := JCS(backward)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
