package listener

import (
	"github.com/yablo/webhookd/internal/events"
	"github.com/yablo/webhookd/internal/money"
	"github.com/yablo/webhookd/internal/rpcsession"
)

// normalizeVouts converts a transaction's outputs, dropping nonstandard
// and nulldata script types and truncating BTC values to satoshis.
func normalizeVouts(vouts []rpcsession.Vout) []events.TxSide {
	var out []events.TxSide
	for _, vout := range vouts {
		if vout.ScriptPubKey.Type == "nonstandard" || vout.ScriptPubKey.Type == "nulldata" {
			continue
		}
		out = append(out, events.TxSide{
			Addresses: vout.ScriptPubKey.Addresses,
			Value:     money.FromBTC(vout.Value),
		})
	}
	return out
}

// normalizeVins resolves each non-coinbase input's referenced output by
// issuing getrawtransaction on the caller session. A coinbase input
// contributes nothing: it has no prior output to attribute.
func (l *Listener) normalizeVins(vins []rpcsession.Vin) ([]events.TxSide, error) {
	var out []events.TxSide
	for _, vin := range vins {
		if vin.Coinbase != "" {
			continue
		}

		ref, err := rpcsession.GetRawTransaction(l.caller, vin.Txid, true)
		if err != nil {
			return nil, err
		}
		if ref == nil || int(vin.Vout) >= len(ref.Vout) {
			continue
		}
		refVout := ref.Vout[vin.Vout]
		out = append(out, events.TxSide{
			Addresses: refVout.ScriptPubKey.Addresses,
			Value:     money.FromBTC(refVout.Value),
		})
	}
	return out, nil
}

// normalizeTx builds a NewTrans event from one verbose transaction,
// enriching its inputs synchronously on the caller session.
func (l *Listener) normalizeTx(tx rpcsession.RawTransaction) (events.NewTrans, error) {
	inputs, err := l.normalizeVins(tx.Vin)
	if err != nil {
		return events.NewTrans{}, err
	}
	return events.NewTrans{
		TxID:          tx.Txid,
		Inputs:        inputs,
		Outputs:       normalizeVouts(tx.Vout),
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
	}, nil
}

// normalizeBlock builds a NewBlock event from a getblock result.
func normalizeBlock(b rpcsession.Block) events.NewBlock {
	return events.NewBlock{
		Hash:       b.Hash,
		Height:     b.Height,
		PrevHash:   b.PreviousBlockHash,
		Difficulty: b.Difficulty,
		Time:       b.Time,
		TxIDs:      b.Tx,
	}
}
