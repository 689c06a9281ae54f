package channel

import (
	"fmt"
	"math/big"
)

// HermesLeg captures the settlement counterparty of a channel. Settled is the
// cumulative amount ever paid out to the hermes party and only ever grows.
type HermesLeg struct {
	Operator [20]byte
	Contract [20]byte
	Settled  *big.Int
}

// ExitRequest records a pending unilateral exit. A zero TimelockBlock is the
// sentinel for "no pending request".
type ExitRequest struct {
	TimelockBlock uint64
	Beneficiary   [20]byte
}

// Pending reports whether an exit request is currently open.
func (r ExitRequest) Pending() bool { return r.TimelockBlock != 0 }

// Channel is the per-account settlement record. Operator, the hermes leg and
// the funds destination owner are fixed at initialization; Exit and LastNonce
// are mutated by the exit and rewrite operations over the channel's life.
type Channel struct {
	ID               [20]byte
	Operator         [20]byte
	Hermes           HermesLeg
	Exit             ExitRequest
	LastNonce        uint64
	FundsDestination [20]byte
	CreatedAt        uint64
}

// Clone returns a deep copy so callers can mutate without touching the stored
// instance.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Hermes.Settled != nil {
		clone.Hermes.Settled = new(big.Int).Set(c.Hermes.Settled)
	} else {
		clone.Hermes.Settled = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates the record and returns a clone with a non-nil settled
// amount. The original value is not mutated.
func Sanitize(c *Channel) (*Channel, error) {
	if c == nil {
		return nil, fmt.Errorf("channel: nil channel")
	}
	clone := c.Clone()
	if clone.Operator == ([20]byte{}) {
		return nil, fmt.Errorf("channel: operator required")
	}
	if clone.Hermes.Settled.Sign() < 0 {
		return nil, fmt.Errorf("channel: settled amount must be non-negative")
	}
	return clone, nil
}
