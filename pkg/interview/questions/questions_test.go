package questions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, typ := range Types() {
		q, err := Lookup(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, q.Type)
		assert.Equal(t, DefaultDuration, q.DurationAt(0))
		assert.Contains(t, q.OpeningMessage(), q.Prompt)
		assert.NotContains(t, q.OpeningMessage(), "%!")
	}

	_, err := Lookup("brainteaser")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestFinancialRotatesThroughTopics(t *testing.T) {
	q, err := Lookup(Financial)
	require.NoError(t, err)
	require.True(t, q.Rotates())
	require.Len(t, q.Topics, 3)
	assert.Equal(t, "revenue_projections", q.Topics[0].ID)
	assert.Equal(t, DefaultDuration, q.DurationAt(4))

	q.Topics[0].ID = "changed"
	again, _ := Lookup(Financial)
	assert.Equal(t, "revenue_projections", again.Topics[0].ID)
}

func TestCodingTemplate(t *testing.T) {
	q, err := Lookup(Coding)
	require.NoError(t, err)
	assert.False(t, q.Rotates())
	assert.Contains(t, q.CodeTemplate, "# Write your code here")
}

func TestTypesOrder(t *testing.T) {
	assert.Equal(t, []Type{Coding, Financial, LBO}, Types())
}
