package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelateIncident_LinkerWins(t *testing.T) {
	var got [3]string
	linker := func(_ context.Context, recordID, accountID, productTag string) (string, error) {
		got = [3]string{recordID, accountID, productTag}
		return "INC-42", nil
	}
	lister := func(context.Context) ([]string, error) {
		t.Fatal("lister must not be called when a linker is present")
		return nil, nil
	}

	m, id, ok, err := CorrelateIncident(context.Background(), "T-9", "A1", "billing", lister, linker)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "INC-42", id)
	assert.Equal(t, Match{CandidateID: "INC-42", Kind: KindKnownIncident, Reason: IncidentReason}, m)
	assert.Equal(t, [3]string{"T-9", "A1", "billing"}, got)
}

func TestCorrelateIncident_LinkerNone(t *testing.T) {
	linker := func(context.Context, string, string, string) (string, error) { return "", nil }
	lister := func(context.Context) ([]string, error) { return []string{"INC-1"}, nil }

	_, _, ok, err := CorrelateIncident(context.Background(), "T-9", "", "", lister, linker)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorrelateIncident_ListerFirst(t *testing.T) {
	lister := func(context.Context) ([]string, error) { return []string{"INC-7", "INC-3"}, nil }

	_, id, ok, err := CorrelateIncident(context.Background(), "T-9", "", "", lister, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "INC-7", id)
}

func TestCorrelateIncident_Empty(t *testing.T) {
	lister := func(context.Context) ([]string, error) { return nil, nil }

	_, _, ok, err := CorrelateIncident(context.Background(), "T-9", "", "", lister, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, ok, err = CorrelateIncident(context.Background(), "T-9", "", "", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorrelateIncident_Errors(t *testing.T) {
	boom := errors.New("tracker unavailable")

	_, _, _, err := CorrelateIncident(context.Background(), "T-9", "", "", func(context.Context) ([]string, error) { return nil, boom }, nil)
	assert.Same(t, boom, err)

	_, _, _, err = CorrelateIncident(context.Background(), "T-9", "", "", nil, func(context.Context, string, string, string) (string, error) { return "", boom })
	assert.Same(t, boom, err)
}
