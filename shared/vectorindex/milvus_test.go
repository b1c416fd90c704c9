package vectorindex

import (
	"strings"
	"testing"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitness-rag/shared/types"
)

func testChunk(id string) types.Chunk {
	return types.Chunk{
		ID:     id,
		Text:   "Protein timing matters less than total intake.",
		Vector: []float32{0.1, 0.2, 0.3},
		Metadata: types.SegmentMetadata{
			Title:         "Protein Timing",
			Authors:       []string{"John Doe", "Jane Smith"},
			PublishedDate: "2024-01-01T00:00:00Z",
			ArxivID:       "1234.5678",
			Abstract:      "We review protein timing.",
			SegmentID:     4,
		},
	}
}

func TestSchema(t *testing.T) {
	schema := Schema("papers", 1536)

	assert.Equal(t, "papers", schema.CollectionName)
	assert.False(t, schema.AutoID)
	require.Len(t, schema.Fields, 9)

	pk := schema.Fields[0]
	assert.Equal(t, FieldID, pk.Name)
	assert.True(t, pk.PrimaryKey)
	assert.Equal(t, entity.FieldTypeVarChar, pk.DataType)

	vector := schema.Fields[1]
	assert.Equal(t, FieldEmbedding, vector.Name)
	assert.Equal(t, entity.FieldTypeFloatVector, vector.DataType)
	assert.Equal(t, "1536", vector.TypeParams["dim"])
}

func TestBuildColumns(t *testing.T) {
	columns, err := BuildColumns([]types.Chunk{testChunk("a"), testChunk("b")}, 3)
	require.NoError(t, err)
	require.Len(t, columns, 9)

	byName := make(map[string]column.Column)
	for _, col := range columns {
		byName[col.Name()] = col
		assert.Equal(t, 2, col.Len(), "column %s", col.Name())
	}

	ids := byName[FieldID].(*column.ColumnVarChar).Data()
	assert.Equal(t, []string{"a", "b"}, ids)

	authors := byName[FieldAuthors].(*column.ColumnVarChar).Data()
	assert.Equal(t, `["John Doe","Jane Smith"]`, authors[0])

	segments := byName[FieldSegmentID].(*column.ColumnInt64).Data()
	assert.Equal(t, []int64{4, 4}, segments)
}

func TestBuildColumnsDefaultsMissingTitle(t *testing.T) {
	untitled := testChunk("u")
	untitled.Metadata.Title = "  "

	columns, err := BuildColumns([]types.Chunk{testChunk("a"), untitled}, 3)
	require.NoError(t, err)

	for _, col := range columns {
		if col.Name() == FieldTitle {
			assert.Equal(t, []string{"Protein Timing", types.UnknownField}, col.(*column.ColumnVarChar).Data())
			return
		}
	}
	t.Fatal("Expected a title column")
}

func TestBuildColumnsRejectsInvalidChunks(t *testing.T) {
	noID := testChunk("")
	wrongDim := testChunk("x")
	wrongDim.Vector = []float32{1}
	noCitation := testChunk("y")
	noCitation.Metadata.ArxivID = ""

	for name, chunk := range map[string]types.Chunk{"no id": noID, "wrong dimension": wrongDim, "no citation": noCitation} {
		t.Run(name, func(t *testing.T) {
			_, err := BuildColumns([]types.Chunk{chunk}, 3)
			assert.Error(t, err)
		})
	}
}

func TestMatchesFromResult(t *testing.T) {
	rs := milvusclient.ResultSet{
		ResultCount: 2,
		IDs:         column.NewColumnVarChar(FieldID, []string{"c1", "c2"}),
		Scores:      []float32{0.91, 0.42},
		Fields: []column.Column{
			column.NewColumnVarChar(FieldText, []string{"first chunk", "second chunk"}),
			column.NewColumnVarChar(FieldTitle, []string{"Protein Timing", "Sleep"}),
			column.NewColumnVarChar(FieldAuthors, []string{`["John Doe"]`, ""}),
			column.NewColumnVarChar(FieldPublishedDate, []string{"2024-01-01T00:00:00Z", ""}),
			column.NewColumnVarChar(FieldArxivID, []string{"1234.5678", "2401.00001"}),
			column.NewColumnInt64(FieldSegmentID, []int64{0, 7}),
		},
	}

	matches, err := MatchesFromResult(rs)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "c1", matches[0].ID)
	assert.Equal(t, float32(0.91), matches[0].Score)
	assert.Equal(t, "first chunk", matches[0].Text)
	assert.Equal(t, "1234.5678", matches[0].Metadata.ArxivID)
	assert.Equal(t, []string{"John Doe"}, matches[0].Metadata.Authors)

	assert.Nil(t, matches[1].Metadata.Authors)
	assert.Equal(t, 7, matches[1].Metadata.SegmentID)
}

func TestMatchesFromResultInvalidAuthors(t *testing.T) {
	rs := milvusclient.ResultSet{
		ResultCount: 1,
		IDs:         column.NewColumnVarChar(FieldID, []string{"c1"}),
		Scores:      []float32{0.9},
		Fields:      []column.Column{column.NewColumnVarChar(FieldAuthors, []string{"{not json"})},
	}

	_, err := MatchesFromResult(rs)
	assert.Error(t, err)
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "short", truncateBytes("short", 10))
	assert.Equal(t, "abc", truncateBytes("abcdef", 3))

	// "é" is two bytes; cutting inside it backs off to the rune start
	assert.Equal(t, "caf", truncateBytes("café", 4))

	long := strings.Repeat("a", maxTextLen+10)
	assert.Len(t, truncateBytes(long, maxTextLen), maxTextLen)
}
