package dex

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrExpired indicates the swap deadline elapsed before execution.
	ErrExpired = errors.New("dex: deadline expired")
	// ErrInsufficientLiquidity indicates a pool cannot quote the swap.
	ErrInsufficientLiquidity = errors.New("dex: insufficient liquidity")
)

// TokenLedger is the subset of the token collaborator the router needs to
// deliver swap output from its own inventory account.
type TokenLedger interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

// Pool holds the reserves of one constant-product hop.
type Pool struct {
	ReserveIn  *big.Int
	ReserveOut *big.Int
}

func (p *Pool) quote(amountIn *big.Int) (*big.Int, error) {
	if p == nil || p.ReserveIn == nil || p.ReserveOut == nil || p.ReserveIn.Sign() <= 0 || p.ReserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	// x*y=k with the conventional 30bps pool fee.
	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	numerator := new(big.Int).Mul(amountInWithFee, p.ReserveOut)
	denominator := new(big.Int).Mul(p.ReserveIn, big.NewInt(1000))
	denominator.Add(denominator, amountInWithFee)
	out := numerator.Div(numerator, denominator)
	if out.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

func (p *Pool) apply(amountIn, amountOut *big.Int) {
	p.ReserveIn = new(big.Int).Add(p.ReserveIn, amountIn)
	p.ReserveOut = new(big.Int).Sub(p.ReserveOut, amountOut)
}

// Router swaps native currency into the channel token through a fixed
// two-hop path (native -> bridge asset -> token), paying output from its own
// inventory account in the token ledger. No minimum-output protection is
// applied; the caller supplies the block time as deadline.
type Router struct {
	token   TokenLedger
	account [20]byte
	first   *Pool
	second  *Pool
	nowFn   func() int64
}

// NewRouter constructs a router over the supplied hops and inventory account.
func NewRouter(token TokenLedger, account [20]byte, first, second *Pool) *Router {
	return &Router{token: token, account: account, first: first, second: second}
}

// SetNowFunc overrides the clock used for deadline checks in tests.
func (r *Router) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	r.nowFn = now
}

func (r *Router) now() int64 {
	if r == nil || r.nowFn == nil {
		return 0
	}
	return r.nowFn()
}

// SwapExactNativeForTokens swaps the full native amount through both hops and
// credits the output to the recipient.
func (r *Router) SwapExactNativeForTokens(to [20]byte, amountIn *big.Int, deadline int64) (*big.Int, error) {
	if r == nil || r.token == nil {
		return nil, fmt.Errorf("dex: router not configured")
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("dex: amount must be positive")
	}
	if deadline < r.now() {
		return nil, ErrExpired
	}
	mid, err := r.first.quote(amountIn)
	if err != nil {
		return nil, err
	}
	out, err := r.second.quote(mid)
	if err != nil {
		return nil, err
	}
	if err := r.token.Transfer(r.account, to, out); err != nil {
		return nil, err
	}
	r.first.apply(amountIn, mid)
	r.second.apply(mid, out)
	return out, nil
}
