package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
)

func testDirectory(t *testing.T) *oip.Directory {
	t.Helper()
	dir := oip.NewDirectory()

	basic, err := oip.NewTemplate("did:ledger:tmpl-basic", "basic", "did:ledger:creator", []oip.Field{
		{Name: "name", Index: 0, Type: oip.FieldString},
		{Name: "date", Index: 1, Type: oip.FieldLong},
		{Name: "tagItems", Index: 2, Type: oip.FieldString, Repeated: true},
	})
	require.NoError(t, err)
	dir.Put(basic)

	recipe, err := oip.NewTemplate("did:ledger:tmpl-recipe", "recipe", "did:ledger:creator", []oip.Field{
		{Name: "servings", Index: 0, Type: oip.FieldUint64},
		{Name: "difficulty", Index: 1, Type: oip.FieldEnum, EnumValues: []string{"easy", "medium", "hard"}},
		{Name: "rating", Index: 2, Type: oip.FieldFloat},
		{Name: "author", Index: 3, Type: oip.FieldDRef},
	})
	require.NoError(t, err)
	dir.Put(recipe)

	return dir
}

func TestCompress(t *testing.T) {
	dir := testDirectory(t)

	t.Run("replaces names with indices and enums with ordinals", func(t *testing.T) {
		out, err := Compress(map[string]map[string]interface{}{
			"recipe": {
				"servings":   4,
				"difficulty": "medium",
				"author":     "did:ledger:someone",
			},
		}, dir)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "did:ledger:tmpl-recipe", out[0]["t"])
		assert.Equal(t, 4, out[0]["0"])
		assert.Equal(t, 1, out[0]["1"])
		assert.Equal(t, "did:ledger:someone", out[0]["3"])
	})

	t.Run("sections ordered by template name", func(t *testing.T) {
		out, err := Compress(map[string]map[string]interface{}{
			"recipe": {"servings": 1},
			"basic":  {"name": "pie"},
		}, dir)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "did:ledger:tmpl-basic", out[0]["t"])
		assert.Equal(t, "did:ledger:tmpl-recipe", out[1]["t"])
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := Compress(map[string]map[string]interface{}{"nope": {}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindUnknownTemplate))
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Compress(map[string]map[string]interface{}{"basic": {"bogus": 1}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindUnknownField))
	})

	t.Run("value outside the enum table", func(t *testing.T) {
		_, err := Compress(map[string]map[string]interface{}{"recipe": {"difficulty": "brutal"}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))
	})
}

func TestExpand(t *testing.T) {
	dir := testDirectory(t)

	t.Run("round trip restores names and enum strings", func(t *testing.T) {
		sections := map[string]map[string]interface{}{
			"recipe": {
				"servings":   4,
				"difficulty": "hard",
				"rating":     4.5,
			},
			"basic": {
				"name":     "pie",
				"tagItems": []interface{}{"dessert", "baking"},
			},
		}
		compressed, err := Compress(sections, dir)
		require.NoError(t, err)
		expanded, err := Expand(compressed, dir)
		require.NoError(t, err)
		assert.Equal(t, "hard", expanded["recipe"]["difficulty"])
		assert.Equal(t, "pie", expanded["basic"]["name"])
		assert.Equal(t, []interface{}{"dessert", "baking"}, expanded["basic"]["tagItems"])
	})

	t.Run("unknown field index is preserved under its numeric key", func(t *testing.T) {
		expanded, err := Expand([]map[string]interface{}{
			{"t": "did:ledger:tmpl-basic", "0": "pie", "99": "future"},
		}, dir)
		require.NoError(t, err)
		assert.Equal(t, "pie", expanded["basic"]["name"])
		assert.Equal(t, "future", expanded["basic"]["99"])
	})

	t.Run("missing template key", func(t *testing.T) {
		_, err := Expand([]map[string]interface{}{{"0": "x"}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindBadRequest))
	})

	t.Run("unknown template did", func(t *testing.T) {
		_, err := Expand([]map[string]interface{}{{"t": "did:ledger:unseen", "0": "x"}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindUnknownTemplate))
	})

	t.Run("out of range enum ordinal", func(t *testing.T) {
		_, err := Expand([]map[string]interface{}{
			{"t": "did:ledger:tmpl-recipe", "1": 9},
		}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))
	})
}

func TestValidate(t *testing.T) {
	dir := testDirectory(t)

	t.Run("accepts a conforming record", func(t *testing.T) {
		err := Validate(map[string]map[string]interface{}{
			"recipe": {
				"servings":   float64(4), // as produced by json decoding
				"difficulty": "easy",
				"rating":     float64(3),
				"author":     "did:arweave:legacy-id",
			},
		}, dir)
		assert.NoError(t, err)
	})

	t.Run("float admits integers, long rejects fractions", func(t *testing.T) {
		err := Validate(map[string]map[string]interface{}{"recipe": {"rating": 4}}, dir)
		assert.NoError(t, err)

		err = Validate(map[string]map[string]interface{}{"basic": {"date": 1.5}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))
	})

	t.Run("uint64 rejects negatives", func(t *testing.T) {
		err := Validate(map[string]map[string]interface{}{"recipe": {"servings": -1}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))
	})

	t.Run("dref requires did syntax but is not dereferenced", func(t *testing.T) {
		err := Validate(map[string]map[string]interface{}{"recipe": {"author": "not-a-did"}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))

		// A well-formed did that points nowhere still validates.
		err = Validate(map[string]map[string]interface{}{"recipe": {"author": "did:ledger:dangling"}}, dir)
		assert.NoError(t, err)
	})

	t.Run("repeated field requires a list", func(t *testing.T) {
		err := Validate(map[string]map[string]interface{}{"basic": {"tagItems": "solo"}}, dir)
		assert.True(t, oip.IsKind(err, oip.KindTypeMismatch))
	})
}
