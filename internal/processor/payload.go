package processor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yablo/webhookd/internal/events"
)

// txSide is one input or output entry in the external payload, after
// translating the compact wire keys (a, v) to their external names.
type txSide struct {
	Address []string `json:"address"`
	Value   int64    `json:"value"`
}

func translateSides(sides []events.TxSide) []txSide {
	out := make([]txSide, len(sides))
	for i, s := range sides {
		out[i] = txSide{Address: s.Addresses, Value: s.Value.Int64()}
	}
	return out
}

type addressData struct {
	Txid          string   `json:"txid"`
	Output        []txSide `json:"output"`
	Input         []txSide `json:"input"`
	Confirmations int64    `json:"confirmations"`
	BlockHash     *string  `json:"block_hash,omitempty"`
	EventID       string   `json:"event_id"`
}

type newBlockData struct {
	BlockHash         string   `json:"block_hash"`
	Height            int32    `json:"height"`
	PreviousBlockHash string   `json:"previousblockhash"`
	Difficulty        float64  `json:"difficulty"`
	Time              int64    `json:"time"`
	Tx                []string `json:"tx"`
	EventID           string   `json:"event_id"`
}

type discBlockData struct {
	BlockHash string `json:"block_hash"`
	Height    int32  `json:"height"`
	EventID   string `json:"event_id"`
}

// envelope is the common shape of every delivered webhook payload;
// Address is only populated for the "address" type.
type envelope struct {
	ID         string          `json:"id"`
	OriginTime int64           `json:"origin_time"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Address    string          `json:"address,omitempty"`
}

func buildAddressPayload(publicID uuid.UUID, tx *events.NewTrans, address string, now time.Time) ([]byte, error) {
	data := addressData{
		Txid:          tx.TxID,
		Output:        translateSides(tx.Outputs),
		Input:         translateSides(tx.Inputs),
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
		EventID:       uuid.New().String(),
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal address data: %w", err)
	}
	env := envelope{
		ID:         publicID.String(),
		OriginTime: now.Unix(),
		Type:       "address",
		Data:       rawData,
		Address:    address,
	}
	return json.Marshal(env)
}

func buildNewBlockPayload(publicID uuid.UUID, block *events.NewBlock, now time.Time) ([]byte, error) {
	data := newBlockData{
		BlockHash:         block.Hash,
		Height:            block.Height,
		PreviousBlockHash: block.PrevHash,
		Difficulty:        block.Difficulty,
		Time:              block.Time,
		Tx:                block.TxIDs,
		EventID:           uuid.New().String(),
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal newblock data: %w", err)
	}
	env := envelope{ID: publicID.String(), OriginTime: now.Unix(), Type: "newblock", Data: rawData}
	return json.Marshal(env)
}

func buildDiscBlockPayload(publicID uuid.UUID, block *events.DiscBlock, now time.Time) ([]byte, error) {
	data := discBlockData{
		BlockHash: block.Hash,
		Height:    block.Height,
		EventID:   uuid.New().String(),
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal discblock data: %w", err)
	}
	env := envelope{ID: publicID.String(), OriginTime: now.Unix(), Type: "discblock", Data: rawData}
	return json.Marshal(env)
}
