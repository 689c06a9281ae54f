package channel

import (
	"fmt"
	"math/big"
	"strings"
)

// Storage exposes the typed key-value access required by the channel ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var channelRecordPrefix = []byte("channel/acct/")

type storedChannel struct {
	ID               [20]byte
	Operator         [20]byte
	HermesOperator   [20]byte
	HermesContract   [20]byte
	Settled          string
	ExitTimelock     uint64
	ExitBeneficiary  [20]byte
	LastNonce        uint64
	FundsDestination [20]byte
	CreatedAt        uint64
}

// Ledger persists channel records behind the Storage interface. It satisfies
// the engine's state dependency.
type Ledger struct {
	store Storage
}

// NewLedger constructs a channel ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store}
}

func channelKey(id [20]byte) []byte {
	buf := make([]byte, len(channelRecordPrefix)+len(id))
	copy(buf, channelRecordPrefix)
	copy(buf[len(channelRecordPrefix):], id[:])
	return buf
}

// ChannelPut persists the sanitized channel record.
func (l *Ledger) ChannelPut(c *Channel) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("channel ledger not initialised")
	}
	sanitized, err := Sanitize(c)
	if err != nil {
		return err
	}
	stored := storedChannel{
		ID:               sanitized.ID,
		Operator:         sanitized.Operator,
		HermesOperator:   sanitized.Hermes.Operator,
		HermesContract:   sanitized.Hermes.Contract,
		Settled:          sanitized.Hermes.Settled.String(),
		ExitTimelock:     sanitized.Exit.TimelockBlock,
		ExitBeneficiary:  sanitized.Exit.Beneficiary,
		LastNonce:        sanitized.LastNonce,
		FundsDestination: sanitized.FundsDestination,
		CreatedAt:        sanitized.CreatedAt,
	}
	return l.store.KVPut(channelKey(sanitized.ID), stored)
}

// ChannelGet retrieves a channel record by its account address.
func (l *Ledger) ChannelGet(id [20]byte) (*Channel, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("channel ledger not initialised")
	}
	var stored storedChannel
	ok, err := l.store.KVGet(channelKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	settled := big.NewInt(0)
	if trimmed := strings.TrimSpace(stored.Settled); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, false, fmt.Errorf("channel ledger: invalid settled amount %q", stored.Settled)
		}
		settled = parsed
	}
	return &Channel{
		ID:       stored.ID,
		Operator: stored.Operator,
		Hermes: HermesLeg{
			Operator: stored.HermesOperator,
			Contract: stored.HermesContract,
			Settled:  settled,
		},
		Exit: ExitRequest{
			TimelockBlock: stored.ExitTimelock,
			Beneficiary:   stored.ExitBeneficiary,
		},
		LastNonce:        stored.LastNonce,
		FundsDestination: stored.FundsDestination,
		CreatedAt:        stored.CreatedAt,
	}, true, nil
}
