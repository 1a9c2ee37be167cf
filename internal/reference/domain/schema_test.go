package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayloadBookDerivesSlugAndShares(t *testing.T) {
	v, err := ValidatePayload(EntityTypeBook, OperationCreate, json.RawMessage(`{
		"title": "  Les Soleils des Indépendances ",
		"authors": [{"author_uuid": "a-1"}, {"author_uuid": "a-2"}, {"author_uuid": "a-3"}]
	}`))
	require.NoError(t, err)
	assert.True(t, v.Active)

	book, err := DecodeBook(v.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Les Soleils des Indépendances", book.Title)
	assert.Equal(t, "les-soleils-des-independances", book.Slug)
	assert.Equal(t, "standard", book.Tier)
	require.Len(t, book.Authors, 3)
	assert.Equal(t, 3334, book.Authors[0].ShareBps)
	assert.Equal(t, 3333, book.Authors[1].ShareBps)
	assert.Equal(t, 3333, book.Authors[2].ShareBps)

	var display map[string]any
	require.NoError(t, json.Unmarshal(v.DisplayFields, &display))
	assert.Equal(t, "les-soleils-des-independances", display["slug"])
}

func TestValidatePayloadRejects(t *testing.T) {
	cases := []struct {
		name       string
		entityType EntityType
		op         Operation
		payload    string
		want       error
	}{
		{"unknown type", EntityType("publisher"), OperationCreate, `{"name":"x"}`, ErrInvalidEntityType},
		{"unknown operation", EntityTypeUser, Operation("merge"), `{"display_name":"x"}`, ErrInvalidOperation},
		{"missing title", EntityTypeBook, OperationCreate, `{"tier":"premium"}`, ErrInvalidPayload},
		{"unknown field", EntityTypeAuthor, OperationUpdate, `{"name":"Ba","nickname":"B"}`, ErrInvalidPayload},
		{"bad shares", EntityTypeBook, OperationCreate, `{"title":"T","authors":[{"author_uuid":"a","share_bps":6000},{"author_uuid":"b","share_bps":3000}]}`, ErrInvalidPayload},
		{"bad rate", EntityTypeAuthor, OperationCreate, `{"name":"Ba","royalty_rate":"1.5"}`, ErrInvalidPayload},
		{"empty create", EntityTypeUser, OperationCreate, `{}`, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidatePayload(tc.entityType, tc.op, json.RawMessage(tc.payload))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidatePayloadDeleteAndInactive(t *testing.T) {
	v, err := ValidatePayload(EntityTypeAuthor, OperationDelete, nil)
	require.NoError(t, err)
	assert.False(t, v.Active)
	assert.Nil(t, v.Payload)

	v, err = ValidatePayload(EntityTypeUser, OperationUpdate, json.RawMessage(`{"display_name":"Awa","active":false}`))
	require.NoError(t, err)
	assert.False(t, v.Active)
}

func TestJSONEqualIgnoresKeyOrder(t *testing.T) {
	assert.True(t, JSONEqual([]byte(`{"a":1,"b":[1,2]}`), []byte(`{ "b":[1,2], "a":1 }`)))
	assert.False(t, JSONEqual([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	assert.True(t, JSONEqual(nil, []byte(`{}`)))
}
