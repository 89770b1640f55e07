package rpcsession

import "encoding/json"

// ScriptPubKey is the subset of a transaction output's locking script
// metadata the pipeline cares about: its type (to drop nonstandard and
// nulldata outputs) and the addresses it pays.
type ScriptPubKey struct {
	Type      string   `json:"type"`
	Addresses []string `json:"addresses"`
}

// Vout is one transaction output as returned by getrawtransaction /
// embedded in a verbose tx_accepted notification.
type Vout struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// Vin is one transaction input.
type Vin struct {
	Coinbase string `json:"coinbase,omitempty"`
	Txid     string `json:"txid,omitempty"`
	Vout     uint32 `json:"vout"`
}

// RawTransaction is the verbose shape of a transaction, whether it
// arrives inline in a txacceptedverbose push or via getrawtransaction.
type RawTransaction struct {
	Txid          string  `json:"txid"`
	Vin           []Vin   `json:"vin"`
	Vout          []Vout  `json:"vout"`
	Confirmations int64   `json:"confirmations"`
	BlockHash     *string `json:"blockhash,omitempty"`
}

// Block is the verbose, non-tx-expanded shape returned by getblock.
type Block struct {
	Hash              string   `json:"hash"`
	Height            int32    `json:"height"`
	PreviousBlockHash string   `json:"previousblockhash"`
	Difficulty        float64  `json:"difficulty"`
	Time              int64    `json:"time"`
	Tx                []string `json:"tx"`
}

// GetBlock fetches a block by hash. verboseTx is always false for this
// pipeline's use: transaction ids only, not full transaction bodies.
func GetBlock(s *Session, hash string, verbose, verboseTx bool) (*Block, error) {
	raw, err := s.Call("getblock", hash, verbose, verboseTx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetRawTransaction fetches a transaction's verbose details by txid.
func GetRawTransaction(s *Session, txid string, verbose bool) (*RawTransaction, error) {
	v := 0
	if verbose {
		v = 1
	}
	raw, err := s.Call("getrawtransaction", txid, v)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var tx RawTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetBestBlockHash returns the hash of the current chain tip.
func GetBestBlockHash(s *Session) (string, error) {
	raw, err := s.Call("getbestblockhash")
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockHash returns the hash of the block at the given height.
func GetBlockHash(s *Session, height int32) (string, error) {
	raw, err := s.Call("getblockhash", height)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockCount returns the height of the current chain tip.
func GetBlockCount(s *Session) (int32, error) {
	raw, err := s.Call("getblockcount")
	if err != nil {
		return 0, err
	}
	var height int32
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// ValidateAddress asks the node whether a given address string is
// well-formed and belongs to the configured network.
func ValidateAddress(s *Session, address string) (bool, error) {
	raw, err := s.Call("validateaddress", address)
	if err != nil {
		return false, err
	}
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, err
	}
	return result.IsValid, nil
}
