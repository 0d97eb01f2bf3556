package escrow

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvidence(t *testing.T) {
	ev, err := decodeEvidence([]byte(`[{"ref":"s3://receipts/a.pdf"}]`))
	require.NoError(t, err)
	require.Len(t, ev, 1)
	assert.Equal(t, "s3://receipts/a.pdf", ev[0].Ref)

	ev, err = decodeEvidence([]byte(`[]`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = decodeEvidence(nil)
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = decodeEvidence([]byte(`{"ref":"not-a-list"}`))
	assert.ErrorContains(t, err, "decode evidence")
}

func TestMapConstraint(t *testing.T) {
	tests := []struct {
		constraint string
		want       error
	}{
		{constraintActiveReference, ErrDuplicateReference},
		{constraintGatewayRef, ErrDuplicateCapture},
		{constraintSingleRelease, ErrAlreadyTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			err := mapConstraint(&pq.Error{Code: "23505", Constraint: tt.constraint}, "insert payment")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := errors.New("connection reset")
	err := mapConstraint(other, "insert payment")
	assert.ErrorIs(t, err, other)
	assert.EqualError(t, err, "insert payment: connection reset")
}
