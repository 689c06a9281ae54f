package channel

import (
	"errors"
	"fmt"
	"math/big"

	"paychan/core/events"
	"paychan/core/types"
)

// DefaultExitDelayBlocks is the timelock applied to unilateral exits, about
// four days of blocks at a fifteen second cadence. The delay guarantees the
// hermes party a window to redeem outstanding promises before the channel is
// drained.
const DefaultExitDelayBlocks uint64 = 23040

var (
	errNilState    = errors.New("channel engine: state not configured")
	errNilToken    = errors.New("channel engine: token ledger not configured")
	errNilRouter   = errors.New("channel engine: swap router not configured")
	errNilRegistry = errors.New("channel engine: identity registry not configured")
)

type engineState interface {
	ChannelPut(*Channel) error
	ChannelGet(id [20]byte) (*Channel, bool, error)
}

// TokenLedger is the fungible token collaborator. Payouts either apply in
// full or fail the whole operation.
type TokenLedger interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

// SwapRouter converts native currency received by a channel account into the
// channel token.
type SwapRouter interface {
	SwapExactNativeForTokens(to [20]byte, amountIn *big.Int, deadline int64) (*big.Int, error)
}

// HermesDirectory resolves the current signing operator of a hermes
// settlement contract. The operator is snapshotted at channel initialization;
// later rotations are not picked up.
type HermesDirectory interface {
	HermesOperator(contract [20]byte) ([20]byte, error)
}

type channelEvent struct {
	evt *types.Event
}

func (e channelEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e channelEvent) Event() *types.Event { return e.evt }

// Engine enforces the channel settlement and exit protocol over external
// state, the token ledger and the swap router. Each operation validates its
// preconditions against current state, mutates state and performs transfers
// as one unit; ordering between competing operations is imposed by the
// surrounding ledger, not by the engine.
type Engine struct {
	state       engineState
	token       TokenLedger
	dex         SwapRouter
	directory   HermesDirectory
	emitter     events.Emitter
	chainID     uint64
	delayBlocks uint64
	heightFn    func() uint64
}

// NewEngine creates a channel engine with a no-op emitter and the default
// exit delay. Callers wire state and collaborators via the setters.
func NewEngine(chainID uint64) *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		chainID:     chainID,
		delayBlocks: DefaultExitDelayBlocks,
		heightFn:    func() uint64 { return 0 },
	}
}

// SetState configures the channel record backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetToken configures the token ledger holding channel custody balances.
func (e *Engine) SetToken(token TokenLedger) { e.token = token }

// SetRouter configures the swap router invoked on native currency receipt.
func (e *Engine) SetRouter(dex SwapRouter) { e.dex = dex }

// SetDirectory configures the hermes operator lookup used at initialization.
func (e *Engine) SetDirectory(directory HermesDirectory) { e.directory = directory }

// SetExitDelay overrides the timelock delay. Zero resets the default.
func (e *Engine) SetExitDelay(blocks uint64) {
	if blocks == 0 {
		e.delayBlocks = DefaultExitDelayBlocks
		return
	}
	e.delayBlocks = blocks
}

// SetHeightFunc overrides the ledger height source. Primarily intended for
// tests to provide deterministic heights.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(channelEvent{evt: event})
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func (e *Engine) loadChannel(id [20]byte) (*Channel, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ch, ok, err := e.state.ChannelGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return ch, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Initialize creates the channel record exactly once per account. The hermes
// contract's current signing operator is snapshotted at this moment, and
// feeAmount of the token is paid from the channel to the caller as a
// deployment incentive.
func (e *Engine) Initialize(id, operator, hermesContract [20]byte, feeAmount *big.Int, caller [20]byte) (*Channel, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.token == nil {
		return nil, errNilToken
	}
	if e.directory == nil {
		return nil, errNilRegistry
	}
	if _, ok, err := e.state.ChannelGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}
	if id == ([20]byte{}) || operator == ([20]byte{}) || hermesContract == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	hermesOperator, err := e.directory.HermesOperator(hermesContract)
	if err != nil {
		return nil, fmt.Errorf("channel: resolve hermes operator: %w", err)
	}
	fee := cloneBigInt(feeAmount)
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("channel: fee must be non-negative")
	}
	if fee.Sign() > 0 {
		if err := e.token.Transfer(id, caller, fee); err != nil {
			return nil, err
		}
	}
	ch := &Channel{
		ID:       id,
		Operator: operator,
		Hermes: HermesLeg{
			Operator: hermesOperator,
			Contract: hermesContract,
			Settled:  big.NewInt(0),
		},
		FundsDestination: operator,
		CreatedAt:        e.height(),
	}
	if err := e.state.ChannelPut(ch); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(ch))
	return ch.Clone(), nil
}

// SettlePromise redeems an operator-signed cheque against channel custody.
// The promise amount is a cumulative target: only the portion above the
// already-settled total is paid out, clamped to the live balance so the same
// promise can be redeemed again after a top-up without re-signing.
func (e *Engine) SettlePromise(id, caller [20]byte, promise *Promise, signature []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.token == nil {
		return nil, errNilToken
	}
	if promise == nil {
		return nil, fmt.Errorf("channel: promise required")
	}
	ch, err := e.loadChannel(id)
	if err != nil {
		return nil, err
	}
	if err := requireSigner(promise.Hash(id), signature, ch.Operator); err != nil {
		return nil, err
	}
	total := cloneBigInt(promise.Amount)
	unpaid := new(big.Int).Sub(total, ch.Hermes.Settled)
	if unpaid.Sign() <= 0 {
		return nil, ErrNothingToSettle
	}
	balance, err := e.token.BalanceOf(id)
	if err != nil {
		return nil, err
	}
	if unpaid.Cmp(balance) > 0 {
		unpaid = balance
	}
	fee := cloneBigInt(promise.Fee)
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("channel: fee must be non-negative")
	}
	if fee.Cmp(unpaid) > 0 {
		return nil, ErrInsufficientAmount
	}
	payout := new(big.Int).Sub(unpaid, fee)
	if err := e.token.Transfer(id, ch.Hermes.Contract, payout); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.token.Transfer(id, caller, fee); err != nil {
			return nil, err
		}
	}
	ch.Hermes.Settled = new(big.Int).Add(ch.Hermes.Settled, unpaid)
	if err := e.state.ChannelPut(ch); err != nil {
		return nil, err
	}
	e.emit(NewPromiseSettledEvent(ch, ch.Hermes.Contract, unpaid))
	return unpaid, nil
}

// RequestExit opens the timelocked unilateral exit path. The operator may
// call directly; any other caller must present a fresh operator-signed exit
// ticket. validUntil must fall strictly between the current height and the
// computed timelock so a stale ticket cannot seed a request after its own
// intended window.
func (e *Engine) RequestExit(id, caller, beneficiary [20]byte, validUntil uint64, signature []byte) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Exit.Pending() {
		return ErrExitAlreadyPending
	}
	if beneficiary == ([20]byte{}) {
		return ErrInvalidAddress
	}
	height := e.height()
	timelock := height + e.delayBlocks
	if validUntil <= height || validUntil >= timelock {
		return ErrExitValidityWindow
	}
	if caller != ch.Operator {
		if err := requireSigner(exitRequestDigest(id, beneficiary, validUntil), signature, ch.Operator); err != nil {
			return err
		}
	}
	ch.Exit = ExitRequest{TimelockBlock: timelock, Beneficiary: beneficiary}
	if err := e.state.ChannelPut(ch); err != nil {
		return err
	}
	e.emit(NewExitRequestedEvent(ch))
	return nil
}

// FinalizeExit releases the entire live balance to the beneficiary committed
// in the pending request once the timelock height has been reached. Callable
// by anyone; no signature is required because the beneficiary is already
// fixed in state.
func (e *Engine) FinalizeExit(id [20]byte) (*big.Int, error) {
	if e == nil || e.token == nil {
		return nil, errNilToken
	}
	ch, err := e.loadChannel(id)
	if err != nil {
		return nil, err
	}
	if !ch.Exit.Pending() {
		return nil, ErrExitNotReady
	}
	if e.height() < ch.Exit.TimelockBlock {
		return nil, ErrExitNotReady
	}
	balance, err := e.token.BalanceOf(id)
	if err != nil {
		return nil, err
	}
	beneficiary := ch.Exit.Beneficiary
	if balance.Sign() > 0 {
		if err := e.token.Transfer(id, beneficiary, balance); err != nil {
			return nil, err
		}
	}
	ch.Exit = ExitRequest{}
	if err := e.state.ChannelPut(ch); err != nil {
		return nil, err
	}
	e.emit(NewWithdrawnEvent(id, beneficiary, balance))
	return balance, nil
}

// FastExit bypasses the timelock with dual authorization: both the operator
// and the hermes operator must sign the identical digest. The digest embeds
// the channel's next nonce, which is consumed on success, so a fast-exit
// authorization is single-use regardless of validUntil. Settled accounting
// is left untouched; both signers are trusted to have reconciled outstanding
// promises off-channel.
func (e *Engine) FastExit(id, caller [20]byte, amount, transactorFee *big.Int, beneficiary [20]byte, validUntil uint64, operatorSig, hermesSig []byte) error {
	if e == nil || e.token == nil {
		return errNilToken
	}
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if beneficiary == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if validUntil < e.height() {
		return ErrExitValidityWindow
	}
	gross := cloneBigInt(amount)
	fee := cloneBigInt(transactorFee)
	if gross.Sign() <= 0 || fee.Sign() < 0 {
		return ErrInsufficientAmount
	}
	if fee.Cmp(gross) > 0 {
		return ErrInsufficientAmount
	}
	nonce := ch.LastNonce + 1
	digest := fastExitDigest(e.chainID, id, gross, fee, beneficiary, validUntil, nonce)
	if err := requireSigner(digest, operatorSig, ch.Operator); err != nil {
		return err
	}
	if err := requireSigner(digest, hermesSig, ch.Hermes.Operator); err != nil {
		return err
	}
	balance, err := e.token.BalanceOf(id)
	if err != nil {
		return err
	}
	if balance.Cmp(gross) < 0 {
		return ErrInsufficientFunds
	}
	if fee.Sign() > 0 {
		if err := e.token.Transfer(id, caller, fee); err != nil {
			return err
		}
	}
	if err := e.token.Transfer(id, beneficiary, new(big.Int).Sub(gross, fee)); err != nil {
		return err
	}
	ch.LastNonce = nonce
	if err := e.state.ChannelPut(ch); err != nil {
		return err
	}
	e.emit(NewWithdrawnEvent(id, beneficiary, gross))
	return nil
}

// SetFundsDestinationByCheque rewrites the address receiving administratively
// recovered assets. The authorization embeds the channel's next nonce, which
// is consumed on success.
func (e *Engine) SetFundsDestinationByCheque(id, newDestination [20]byte, signature []byte) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if newDestination == ([20]byte{}) {
		return ErrInvalidAddress
	}
	nonce := ch.LastNonce + 1
	if err := requireSigner(destinationDigest(id, newDestination, nonce), signature, ch.Operator); err != nil {
		return err
	}
	e.emit(NewDestinationChangedEvent(id, ch.FundsDestination, newDestination))
	ch.FundsDestination = newDestination
	ch.LastNonce = nonce
	return e.state.ChannelPut(ch)
}

// RecoverStrayTokens sweeps the channel's balance in a foreign token ledger
// to the configured funds destination. Operator only.
func (e *Engine) RecoverStrayTokens(id, caller [20]byte, stray TokenLedger) (*big.Int, error) {
	ch, err := e.loadChannel(id)
	if err != nil {
		return nil, err
	}
	if caller != ch.Operator {
		return nil, ErrAuthorization
	}
	if stray == nil {
		return nil, errNilToken
	}
	balance, err := stray.BalanceOf(id)
	if err != nil {
		return nil, err
	}
	if balance.Sign() > 0 {
		if err := stray.Transfer(id, ch.FundsDestination, balance); err != nil {
			return nil, err
		}
	}
	e.emit(NewFundsRecoveredEvent(id, ch.FundsDestination, balance))
	return balance, nil
}

// ReceiveNative converts native currency received by the channel account
// into the channel token through the router's fixed path. The entire amount
// is swapped with no minimum output; blockTime serves as the deadline.
func (e *Engine) ReceiveNative(id [20]byte, amount *big.Int, blockTime int64) (*big.Int, error) {
	if e == nil || e.dex == nil {
		return nil, errNilRouter
	}
	if _, err := e.loadChannel(id); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("channel: native amount must be positive")
	}
	return e.dex.SwapExactNativeForTokens(id, amount, blockTime)
}
