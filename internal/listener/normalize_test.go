package listener

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yablo/webhookd/internal/rpcsession"
)

func TestNormalizeVoutsDropsNonstandardAndNulldata(t *testing.T) {
	vouts := []rpcsession.Vout{
		{Value: 1.5, ScriptPubKey: rpcsession.ScriptPubKey{Type: "pubkeyhash", Addresses: []string{"addr1"}}},
		{Value: 0.1, ScriptPubKey: rpcsession.ScriptPubKey{Type: "nonstandard"}},
		{Value: 0.2, ScriptPubKey: rpcsession.ScriptPubKey{Type: "nulldata"}},
	}

	out := normalizeVouts(vouts)
	require.Len(t, out, 1)
	require.Equal(t, []string{"addr1"}, out[0].Addresses)
	require.EqualValues(t, 150000000, out[0].Value)
}

func TestNormalizeBlock(t *testing.T) {
	b := rpcsession.Block{
		Hash:              "H",
		Height:            100,
		PreviousBlockHash: "P",
		Difficulty:        1.23,
		Time:              1000,
		Tx:                []string{"tx1", "tx2"},
	}

	nb := normalizeBlock(b)
	require.Equal(t, "H", nb.Hash)
	require.Equal(t, int32(100), nb.Height)
	require.Equal(t, "P", nb.PrevHash)
	require.Equal(t, []string{"tx1", "tx2"}, nb.TxIDs)
}
