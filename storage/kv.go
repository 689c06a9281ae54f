package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// KV adapts a Database into the typed key-value Storage interface consumed
// by the native module ledgers. Values are RLP encoded.
type KV struct {
	db Database
}

// NewKV wraps the supplied database.
func NewKV(db Database) *KV {
	return &KV{db: db}
}

// KVGet decodes the stored value into out, reporting whether the key exists.
func (k *KV) KVGet(key []byte, out interface{}) (bool, error) {
	if k == nil || k.db == nil {
		return false, fmt.Errorf("storage: kv not initialised")
	}
	ok, err := k.db.Has(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	raw, err := k.db.Get(key)
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes the value and stores it under key.
func (k *KV) KVPut(key []byte, value interface{}) error {
	if k == nil || k.db == nil {
		return fmt.Errorf("storage: kv not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return k.db.Put(key, encoded)
}
