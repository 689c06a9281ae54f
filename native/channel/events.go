package channel

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"paychan/core/types"
)

const (
	EventTypeChannelInitialized = "channel.initialized"
	EventTypePromiseSettled     = "channel.promise_settled"
	EventTypeExitRequested      = "channel.exit_requested"
	EventTypeWithdrawn          = "channel.withdrawn"
	EventTypeDestinationChanged = "channel.destination_changed"
	EventTypeFundsRecovered     = "channel.funds_recovered"
)

// NewInitializedEvent returns the canonical payload for a freshly initialized
// channel account.
func NewInitializedEvent(c *Channel) *types.Event {
	attrs := map[string]string{}
	if c != nil {
		attrs["channel"] = hex.EncodeToString(c.ID[:])
		attrs["operator"] = hex.EncodeToString(c.Operator[:])
		attrs["hermes"] = hex.EncodeToString(c.Hermes.Contract[:])
		attrs["hermesOperator"] = hex.EncodeToString(c.Hermes.Operator[:])
	}
	return &types.Event{Type: EventTypeChannelInitialized, Attributes: attrs}
}

// NewPromiseSettledEvent reports the increment paid out by a settlement and
// the new cumulative total.
func NewPromiseSettledEvent(c *Channel, beneficiary [20]byte, increment *big.Int) *types.Event {
	attrs := map[string]string{}
	if c != nil {
		attrs["channel"] = hex.EncodeToString(c.ID[:])
		attrs["beneficiary"] = hex.EncodeToString(beneficiary[:])
		attrs["amount"] = bigString(increment)
		attrs["totalSettled"] = bigString(c.Hermes.Settled)
	}
	return &types.Event{Type: EventTypePromiseSettled, Attributes: attrs}
}

// NewExitRequestedEvent carries the timelock height at which the pending
// request becomes finalizable.
func NewExitRequestedEvent(c *Channel) *types.Event {
	attrs := map[string]string{}
	if c != nil {
		attrs["channel"] = hex.EncodeToString(c.ID[:])
		attrs["timelockBlock"] = strconv.FormatUint(c.Exit.TimelockBlock, 10)
		attrs["beneficiary"] = hex.EncodeToString(c.Exit.Beneficiary[:])
	}
	return &types.Event{Type: EventTypeExitRequested, Attributes: attrs}
}

// NewWithdrawnEvent reports funds leaving channel custody.
func NewWithdrawnEvent(id, beneficiary [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"channel":     hex.EncodeToString(id[:]),
		"beneficiary": hex.EncodeToString(beneficiary[:]),
		"amount":      bigString(amount),
	}}
}

// NewDestinationChangedEvent reports an administrative funds-destination
// rewrite with the old/new pair.
func NewDestinationChangedEvent(id, previous, current [20]byte) *types.Event {
	return &types.Event{Type: EventTypeDestinationChanged, Attributes: map[string]string{
		"channel":  hex.EncodeToString(id[:]),
		"previous": hex.EncodeToString(previous[:]),
		"current":  hex.EncodeToString(current[:]),
	}}
}

// NewFundsRecoveredEvent reports stray assets swept to the funds destination.
func NewFundsRecoveredEvent(id, destination [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeFundsRecovered, Attributes: map[string]string{
		"channel":     hex.EncodeToString(id[:]),
		"destination": hex.EncodeToString(destination[:]),
		"amount":      bigString(amount),
	}}
}
