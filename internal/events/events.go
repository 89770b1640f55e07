// Package events defines the normalized raw events the Listener emits
// onto the ingest queue and that the Processor consumes.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/yablo/webhookd/internal/money"
)

// Kind identifies which of the three normalized event shapes a Raw
// envelope carries. It doubles as the ingest-queue item's discriminator
// and, derived from the upstream notification's id prefix, as the
// recovery path when a push notification carries no "method" field.
type Kind string

const (
	KindNewBlock  Kind = "blockconnected"
	KindDiscBlock Kind = "blockdisconnected"
	KindNewTrans  Kind = "txacceptedverbose"
)

// TxSide is one input or output of a normalized transaction. Field
// names are the compact keys carried on the ingest queue; the
// Processor translates them to the external payload's names.
type TxSide struct {
	Addresses []string      `json:"a"`
	Value     money.Satoshi `json:"v"`
}

// NewBlock is emitted when a block is connected to the main chain.
type NewBlock struct {
	Hash       string   `json:"b"`
	Height     int32    `json:"h"`
	PrevHash   string   `json:"p"`
	Difficulty float64  `json:"d"`
	Time       int64    `json:"ts"`
	TxIDs      []string `json:"tx"`
}

// DiscBlock is emitted when a block is removed from the main chain.
type DiscBlock struct {
	Hash   string `json:"b"`
	Height int32  `json:"h"`
}

// NewTrans is emitted for a transaction accepted into the mempool or a
// block, after enrichment of its inputs.
type NewTrans struct {
	TxID          string   `json:"t"`
	Inputs        []TxSide `json:"i"`
	Outputs       []TxSide `json:"o"`
	Confirmations int64    `json:"c"`
	BlockHash     *string  `json:"b,omitempty"`
}

// Raw is the envelope pushed onto the ingest queue: exactly one of its
// payload fields is set, matching Kind.
type Raw struct {
	Kind      Kind       `json:"type"`
	NewBlock  *NewBlock  `json:"new_block,omitempty"`
	DiscBlock *DiscBlock `json:"disc_block,omitempty"`
	NewTrans  *NewTrans  `json:"new_trans,omitempty"`
}

// Encode serializes the envelope for the ingest queue. Queue items are
// bounded to 64 bytes of *tag*, not payload size; the JSON body itself
// has no such limit.
func (r Raw) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses an ingest-queue item back into a Raw envelope.
func Decode(b []byte) (Raw, error) {
	var r Raw
	if err := json.Unmarshal(b, &r); err != nil {
		return Raw{}, fmt.Errorf("decode raw event: %w", err)
	}
	return r, nil
}

// UniqueAddresses returns the deduplicated set of addresses touched by
// a transaction's inputs and outputs, used by the Processor to match
// against watched-address subscribers.
func (t *NewTrans) UniqueAddresses() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, side := range append(append([]TxSide{}, t.Inputs...), t.Outputs...) {
		for _, addr := range side.Addresses {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
