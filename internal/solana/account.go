package solana

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AccountValue is the account payload the node returns for getAccountInfo,
// getMultipleAccounts and getProgramAccounts. Data holds the raw JSON of the
// [data, encoding] pair so decoding stays lazy.
type AccountValue struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Data       json.RawMessage `json:"data"`
	Executable bool            `json:"executable"`
	RentEpoch  uint64          `json:"rentEpoch"`
}

// DecodeData returns the account's binary contents. The node is always asked
// for base64 encoding; anything else is an error.
func (v *AccountValue) DecodeData() ([]byte, error) {
	var pair [2]string
	if err := json.Unmarshal(v.Data, &pair); err != nil {
		return nil, fmt.Errorf("account data field: %w", err)
	}
	if pair[1] != "base64" {
		return nil, fmt.Errorf("account data encoding %q, want base64", pair[1])
	}
	raw, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return nil, fmt.Errorf("account data: %w", err)
	}
	return raw, nil
}

// Account is anything addressable by key that can absorb an RPC account
// response observed at a given slot.
type Account interface {
	Key() PublicKey
	UpdateWithRPCResponse(slot uint64, value *AccountValue) error
}

// BaseAccount carries the fields every account shares. Concrete account types
// embed it and layer their own decoding on top.
type BaseAccount struct {
	AccountKey PublicKey
	Slot       uint64
	Lamports   uint64
}

func (a *BaseAccount) Key() PublicKey {
	return a.AccountKey
}

// UpdateMeta records the observation slot and balance from an RPC response.
func (a *BaseAccount) UpdateMeta(slot uint64, value *AccountValue) {
	a.Slot = slot
	a.Lamports = value.Lamports
}
