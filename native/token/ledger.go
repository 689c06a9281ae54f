package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"paychan/core/types"
)

var (
	errNilState            = errors.New("token ledger: state not configured")
	// ErrInsufficientBalance indicates the sender cannot cover the transfer.
	ErrInsufficientBalance = errors.New("token ledger: insufficient balance")
)

type accountState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Ledger implements the fungible token collaborator over account state. All
// channel payouts flow through Transfer, which either applies in full or
// returns an error with no balance mutated.
type Ledger struct {
	state  accountState
	symbol string
}

// NewLedger constructs a token ledger bound to the supplied account state.
func NewLedger(state accountState, symbol string) *Ledger {
	return &Ledger{state: state, symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// Symbol returns the canonical token symbol served by this ledger.
func (l *Ledger) Symbol() string {
	if l == nil {
		return ""
	}
	return l.symbol
}

// BalanceOf reads the live balance held by the supplied address.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	acc, err := l.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	acc = types.EnsureAccount(acc)
	return new(big.Int).Set(acc.Balance), nil
}

// Transfer moves amount from one account to another. A zero amount is a
// no-op; negative amounts are rejected.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("token ledger: negative transfer amount")
	}
	fromAcc, err := l.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := l.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to[:], toAcc)
}

// Mint credits freshly issued tokens to the supplied address. Used by
// funding tooling and tests; the channel engine itself never mints.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("token ledger: negative mint amount")
	}
	acc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	acc = types.EnsureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return l.state.PutAccount(to[:], acc)
}
