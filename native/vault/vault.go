package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paychan/core/events"
	"paychan/core/types"
)

// The vault is the channel settlement algorithm with the hermes leg dropped:
// a single identity deposits its own balance and beneficiaries redeem
// operator-signed cheques against it, with the same cumulative-target
// accounting and partial-funding clamp.
const (
	ChequeDomainV1   = "PAYCHAN_VAULT_CHEQUE_V1"
	WithdrawDomainV1 = "PAYCHAN_VAULT_WITHDRAW_V1"

	EventTypeChequeSettled = "vault.cheque_settled"
	EventTypeWithdrawn     = "vault.withdrawn"
)

var (
	// ErrAlreadyOpen indicates a second open call for the same vault.
	ErrAlreadyOpen = errors.New("vault: already open")
	// ErrNotOpen indicates an operation against an unknown vault.
	ErrNotOpen = errors.New("vault: not open")
	// ErrAuthorization indicates a signature recovering to the wrong party.
	ErrAuthorization = errors.New("vault: authorization invalid")
	// ErrNothingToSettle indicates the cumulative target is already met.
	ErrNothingToSettle = errors.New("vault: nothing to settle")
	// ErrInvalidAddress indicates a zero-address argument.
	ErrInvalidAddress = errors.New("vault: invalid address")
	// ErrInsufficientAmount indicates the fee exceeds the settled increment.
	ErrInsufficientAmount = errors.New("vault: amount below transactor fee")
	// ErrExpired indicates a withdrawal authorization past its validity height.
	ErrExpired = errors.New("vault: authorization expired")
)

// Storage exposes the typed key-value access required by the vault ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// TokenLedger mirrors the token collaborator used by the channel engine.
type TokenLedger interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

var (
	vaultRecordPrefix  = []byte("vault/acct/")
	vaultSettledPrefix = []byte("vault/settled/")
)

type storedVault struct {
	Operator  [20]byte
	LastNonce uint64
}

// Cheque is an operator-signed authorization for cumulative payout to a
// specific beneficiary. Lock is authenticated but never interpreted, exactly
// as in the channel promise.
type Cheque struct {
	Beneficiary [20]byte
	Amount      *big.Int
	Fee         *big.Int
	Lock        []byte
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Hash reconstructs the canonical digest signed by the vault operator.
func (c *Cheque) Hash(vault [20]byte) []byte {
	lockHash := ethcrypto.Keccak256(c.Lock)
	payload := fmt.Sprintf("%s|vault=%s|beneficiary=%s|amount=%s|fee=%s|lock=%s",
		ChequeDomainV1,
		hex.EncodeToString(vault[:]),
		hex.EncodeToString(c.Beneficiary[:]),
		bigString(c.Amount),
		bigString(c.Fee),
		hex.EncodeToString(lockHash),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

func withdrawDigest(vault, beneficiary [20]byte, amount *big.Int, validUntil, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|vault=%s|beneficiary=%s|amount=%s|validUntil=%d|nonce=%d",
		WithdrawDomainV1,
		hex.EncodeToString(vault[:]),
		hex.EncodeToString(beneficiary[:]),
		bigString(amount),
		validUntil,
		nonce,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

// Engine redeems cheques against vault custody and processes operator
// withdrawals.
type Engine struct {
	store    Storage
	token    TokenLedger
	emitter  events.Emitter
	heightFn func() uint64
}

// NewEngine creates a vault engine with a no-op emitter.
func NewEngine(store Storage, token TokenLedger) *Engine {
	return &Engine{
		store:    store,
		token:    token,
		emitter:  events.NoopEmitter{},
		heightFn: func() uint64 { return 0 },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc overrides the ledger height source, primarily for tests.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: event})
}

func vaultKey(id [20]byte) []byte {
	buf := make([]byte, len(vaultRecordPrefix)+len(id))
	copy(buf, vaultRecordPrefix)
	copy(buf[len(vaultRecordPrefix):], id[:])
	return buf
}

func settledKey(id, beneficiary [20]byte) []byte {
	buf := make([]byte, len(vaultSettledPrefix)+len(id)+len(beneficiary))
	copy(buf, vaultSettledPrefix)
	copy(buf[len(vaultSettledPrefix):], id[:])
	copy(buf[len(vaultSettledPrefix)+len(id):], beneficiary[:])
	return buf
}

func (e *Engine) loadVault(id [20]byte) (*storedVault, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("vault engine not initialised")
	}
	var stored storedVault
	ok, err := e.store.KVGet(vaultKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotOpen
	}
	return &stored, nil
}

// Open registers a vault exactly once per account address.
func (e *Engine) Open(id, operator [20]byte) error {
	if e == nil || e.store == nil {
		return fmt.Errorf("vault engine not initialised")
	}
	if id == ([20]byte{}) || operator == ([20]byte{}) {
		return ErrInvalidAddress
	}
	ok, err := e.store.KVGet(vaultKey(id), &storedVault{})
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyOpen
	}
	return e.store.KVPut(vaultKey(id), storedVault{Operator: operator})
}

// Settled returns the cumulative amount already paid to the beneficiary.
func (e *Engine) Settled(id, beneficiary [20]byte) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("vault engine not initialised")
	}
	var stored string
	ok, err := e.store.KVGet(settledKey(id, beneficiary), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	settled, parsed := new(big.Int).SetString(strings.TrimSpace(stored), 10)
	if !parsed {
		return nil, fmt.Errorf("vault: invalid settled amount %q", stored)
	}
	return settled, nil
}

// SettleCheque redeems an operator-signed cheque, paying the increment above
// the beneficiary's settled total, clamped to the live vault balance.
func (e *Engine) SettleCheque(id, caller [20]byte, cheque *Cheque, signature []byte) (*big.Int, error) {
	if e == nil || e.token == nil {
		return nil, fmt.Errorf("vault engine not initialised")
	}
	if cheque == nil {
		return nil, fmt.Errorf("vault: cheque required")
	}
	vault, err := e.loadVault(id)
	if err != nil {
		return nil, err
	}
	if cheque.Beneficiary == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	if err := verifySigner(cheque.Hash(id), signature, vault.Operator); err != nil {
		return nil, err
	}
	settled, err := e.Settled(id, cheque.Beneficiary)
	if err != nil {
		return nil, err
	}
	unpaid := new(big.Int).Sub(bigOrZero(cheque.Amount), settled)
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
	fee := bigOrZero(cheque.Fee)
	if fee.Sign() < 0 || fee.Cmp(unpaid) > 0 {
		return nil, ErrInsufficientAmount
	}
	if err := e.token.Transfer(id, cheque.Beneficiary, new(big.Int).Sub(unpaid, fee)); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.token.Transfer(id, caller, fee); err != nil {
			return nil, err
		}
	}
	settled = settled.Add(settled, unpaid)
	if err := e.store.KVPut(settledKey(id, cheque.Beneficiary), settled.String()); err != nil {
		return nil, err
	}
	e.emit(&types.Event{Type: EventTypeChequeSettled, Attributes: map[string]string{
		"vault":        hex.EncodeToString(id[:]),
		"beneficiary":  hex.EncodeToString(cheque.Beneficiary[:]),
		"amount":       unpaid.String(),
		"totalSettled": settled.String(),
	}})
	return unpaid, nil
}

// Withdraw releases free balance to a beneficiary under a nonce-consuming
// operator authorization bounded by validUntil.
func (e *Engine) Withdraw(id, beneficiary [20]byte, amount *big.Int, validUntil uint64, signature []byte) error {
	if e == nil || e.token == nil {
		return fmt.Errorf("vault engine not initialised")
	}
	vault, err := e.loadVault(id)
	if err != nil {
		return err
	}
	if beneficiary == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if validUntil < e.heightFn() {
		return ErrExpired
	}
	gross := bigOrZero(amount)
	if gross.Sign() <= 0 {
		return ErrInsufficientAmount
	}
	nonce := vault.LastNonce + 1
	if err := verifySigner(withdrawDigest(id, beneficiary, gross, validUntil, nonce), signature, vault.Operator); err != nil {
		return err
	}
	if err := e.token.Transfer(id, beneficiary, gross); err != nil {
		return err
	}
	vault.LastNonce = nonce
	if err := e.store.KVPut(vaultKey(id), *vault); err != nil {
		return err
	}
	e.emit(&types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"vault":       hex.EncodeToString(id[:]),
		"beneficiary": hex.EncodeToString(beneficiary[:]),
		"amount":      gross.String(),
	}})
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func verifySigner(digest, sig []byte, expected [20]byte) error {
	if len(sig) != 65 {
		return ErrAuthorization
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return ErrAuthorization
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(expected[:]) {
		return ErrAuthorization
	}
	return nil
}
