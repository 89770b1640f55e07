package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawRoundTrip(t *testing.T) {
	raw := Raw{
		Kind: KindNewTrans,
		NewTrans: &NewTrans{
			TxID: "abc",
			Inputs: []TxSide{
				{Addresses: []string{"ADDR"}, Value: 150000000},
			},
			Outputs: []TxSide{
				{Addresses: []string{"OTHER"}, Value: 25000000},
			},
			Confirmations: 0,
		},
	}

	enc, err := raw.Encode()
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestUniqueAddresses(t *testing.T) {
	tx := &NewTrans{
		Inputs: []TxSide{
			{Addresses: []string{"A", "B"}},
		},
		Outputs: []TxSide{
			{Addresses: []string{"B", "C"}},
		},
	}

	got := tx.UniqueAddresses()
	require.ElementsMatch(t, []string{"A", "B", "C"}, got)
}
