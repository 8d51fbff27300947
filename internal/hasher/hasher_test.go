package hasher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/glossary-ingest/internal/model"
)

func TestHashIgnoresWhitespaceAndListOrder(t *testing.T) {
	a := model.Record{
		Key: "Neural  Network",
		Fields: map[string]model.Field{
			"Introduction – Definition and Overview": model.TextField("  A model\r\ninspired by   the brain. "),
			"Introduction – Sub-category":            model.ListField("Deep Learning", "Architectures"),
		},
	}
	b := model.Record{
		Key: " Neural Network ",
		Fields: map[string]model.Field{
			"Introduction – Definition and Overview": model.TextField("A model\ninspired by the brain."),
			"Introduction – Sub-category":            model.ListField("Architectures", " Deep Learning", "Architectures"),
			"Notes":                                  model.TextField("   "),
		},
	}
	overallA, fieldsA := Hash(a)
	overallB, fieldsB := Hash(b)
	require.Equal(t, overallA, overallB)
	require.Equal(t, fieldsA, fieldsB)
	require.Len(t, fieldsA, 2)
}

func TestHashDetectsSingleFieldChange(t *testing.T) {
	base := model.Record{
		Key: "Dropout",
		Fields: map[string]model.Field{
			"definition": model.TextField("Randomly zeroes activations."),
			"category":   model.TextField("Regularization"),
		},
	}
	changed := model.Record{
		Key: "Dropout",
		Fields: map[string]model.Field{
			"definition": model.TextField("Randomly zeroes unit activations."),
			"category":   model.TextField("Regularization"),
		},
	}
	overallA, fieldsA := Hash(base)
	overallB, fieldsB := Hash(changed)
	require.NotEqual(t, overallA, overallB)
	require.NotEqual(t, fieldsA["definition"], fieldsB["definition"])
	require.Equal(t, fieldsA["category"], fieldsB["category"])
}

func TestHashDependsOnKey(t *testing.T) {
	fields := map[string]model.Field{"definition": model.TextField("same")}
	a, _ := Hash(model.Record{Key: "A", Fields: fields})
	b, _ := Hash(model.Record{Key: "B", Fields: fields})
	require.NotEqual(t, a, b)
}

func TestHashDistinguishesKinds(t *testing.T) {
	a, _ := Hash(model.Record{Key: "k", Fields: map[string]model.Field{"f": model.TextField("x")}})
	b, _ := Hash(model.Record{Key: "k", Fields: map[string]model.Field{"f": model.ListField("x")}})
	require.NotEqual(t, a, b)
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"a\t\tb", "a b"},
		{"line one  \r\n  line two", "line one\nline two"},
		{"\n\nkeep\n\n", "keep"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeText(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, "Large Language Model", NormalizeKey("  Large\tLanguage   Model "))
	require.Equal(t, "GAN", NormalizeKey("GAN"))
}
