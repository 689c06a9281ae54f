package channel

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paychan/core/events"
	"paychan/core/types"
	"paychan/native/identity"
	"paychan/native/token"
	"paychan/storage"
)

type mockAccounts struct {
	accounts map[[20]byte]*types.Account
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{accounts: make(map[[20]byte]*types.Account)}
}

func (m *mockAccounts) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
}

func (m *mockAccounts) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) lastType() string {
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1].EventType()
}

type stubRouter struct {
	swapped *big.Int
	to      [20]byte
}

func (s *stubRouter) SwapExactNativeForTokens(to [20]byte, amountIn *big.Int, deadline int64) (*big.Int, error) {
	s.swapped = new(big.Int).Set(amountIn)
	s.to = to
	return amountIn, nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, [20]byte) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var addr [20]byte
	copy(addr[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	return key, addr
}

func sign(t *testing.T, digest []byte, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

type testEnv struct {
	engine     *Engine
	tokens     *token.Ledger
	accounts   *mockAccounts
	emitter    *recordingEmitter
	height     uint64
	channelID  [20]byte
	operator   *ecdsa.PrivateKey
	opAddr     [20]byte
	hermes     *ecdsa.PrivateKey
	hermesAddr [20]byte
	hermesCtr  [20]byte
	caller     [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		accounts:  newMockAccounts(),
		emitter:   &recordingEmitter{},
		height:    100,
		channelID: newTestAddress(0xC1),
		hermesCtr: newTestAddress(0xA2),
		caller:    newTestAddress(0x44),
	}
	env.operator, env.opAddr = newTestKey(t)
	env.hermes, env.hermesAddr = newTestKey(t)
	env.tokens = token.NewLedger(env.accounts, "PAY")

	kv := storage.NewKV(storage.NewMemDB())
	registry := identity.NewRegistry(kv)
	if err := registry.RegisterHermes(env.hermesCtr, env.hermesAddr); err != nil {
		t.Fatalf("register hermes: %v", err)
	}

	engine := NewEngine(7)
	engine.SetState(NewLedger(kv))
	engine.SetToken(env.tokens)
	engine.SetDirectory(registry)
	engine.SetEmitter(env.emitter)
	engine.SetExitDelay(1000)
	engine.SetHeightFunc(func() uint64 { return env.height })
	env.engine = engine

	if _, err := engine.Initialize(env.channelID, env.opAddr, env.hermesCtr, nil, env.caller); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return env
}

func (env *testEnv) fund(t *testing.T, amount int64) {
	t.Helper()
	if err := env.tokens.Mint(env.channelID, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	bal, err := env.tokens.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (env *testEnv) channel(t *testing.T) *Channel {
	t.Helper()
	ch, ok, err := env.engine.state.ChannelGet(env.channelID)
	if err != nil || !ok {
		t.Fatalf("channel get: %v ok=%v", err, ok)
	}
	return ch
}

func TestInitializeRejectsSecondCall(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Initialize(env.channelID, env.opAddr, env.hermesCtr, nil, env.caller)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializePaysDeploymentFee(t *testing.T) {
	env := newTestEnv(t)
	id := newTestAddress(0xC2)
	if err := env.tokens.Mint(id, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := env.engine.Initialize(id, env.opAddr, env.hermesCtr, big.NewInt(50), env.caller); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := env.balance(t, env.caller); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("caller fee = %s, want 50", got)
	}
	if got := env.balance(t, id); got.Cmp(big.NewInt(450)) != 0 {
		t.Fatalf("channel balance = %s, want 450", got)
	}
}

func TestSettlePromiseCumulative(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 100)

	promise := &Promise{Amount: big.NewInt(60), Fee: big.NewInt(0)}
	sig := sign(t, promise.Hash(env.channelID), env.operator)
	increment, err := env.engine.SettlePromise(env.channelID, env.caller, promise, sig)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if increment.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("increment = %s, want 60", increment)
	}
	if got := env.balance(t, env.hermesCtr); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("hermes balance = %s, want 60", got)
	}
	if got := env.channel(t).Hermes.Settled; got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("settled = %s, want 60", got)
	}

	// Replaying the same cheque degrades to a rejection, not a double pay.
	if _, err := env.engine.SettlePromise(env.channelID, env.caller, promise, sig); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("expected ErrNothingToSettle, got %v", err)
	}

	updated := &Promise{Amount: big.NewInt(100), Fee: big.NewInt(0)}
	sig = sign(t, updated.Hash(env.channelID), env.operator)
	increment, err = env.engine.SettlePromise(env.channelID, env.caller, updated, sig)
	if err != nil {
		t.Fatalf("settle updated: %v", err)
	}
	if increment.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("increment = %s, want 40", increment)
	}
	if env.emitter.lastType() != EventTypePromiseSettled {
		t.Fatalf("unexpected last event %q", env.emitter.lastType())
	}
}

func TestSettlePromiseClampsToLiveBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 30)

	promise := &Promise{Amount: big.NewInt(100), Fee: big.NewInt(0)}
	sig := sign(t, promise.Hash(env.channelID), env.operator)
	increment, err := env.engine.SettlePromise(env.channelID, env.caller, promise, sig)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if increment.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("increment = %s, want 30 (clamped)", increment)
	}
	if got := env.channel(t).Hermes.Settled; got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("settled = %s, want 30", got)
	}

	// Top up and redeem the remainder of the very same cheque.
	env.fund(t, 70)
	increment, err = env.engine.SettlePromise(env.channelID, env.caller, promise, sig)
	if err != nil {
		t.Fatalf("resettle: %v", err)
	}
	if increment.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("increment = %s, want 70", increment)
	}
	if got := env.balance(t, env.hermesCtr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("hermes balance = %s, want 100", got)
	}
}

func TestSettlePromisePaysTransactorFee(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 100)

	promise := &Promise{Amount: big.NewInt(80), Fee: big.NewInt(5)}
	sig := sign(t, promise.Hash(env.channelID), env.operator)
	if _, err := env.engine.SettlePromise(env.channelID, env.caller, promise, sig); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := env.balance(t, env.caller); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("caller fee = %s, want 5", got)
	}
	if got := env.balance(t, env.hermesCtr); got.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("hermes balance = %s, want 75", got)
	}
	if got := env.channel(t).Hermes.Settled; got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("settled = %s, want 80 (fee included)", got)
	}
}

func TestSettlePromiseRejectsForeignSigner(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 100)

	intruder, _ := newTestKey(t)
	promise := &Promise{Amount: big.NewInt(60)}
	sig := sign(t, promise.Hash(env.channelID), intruder)
	if _, err := env.engine.SettlePromise(env.channelID, env.caller, promise, sig); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	if got := env.channel(t).Hermes.Settled; got.Sign() != 0 {
		t.Fatalf("settled mutated on rejected settle: %s", got)
	}
}

func TestRequestExitRejectsSecondRequest(t *testing.T) {
	env := newTestEnv(t)
	beneficiary := newTestAddress(0x77)
	if err := env.engine.RequestExit(env.channelID, env.opAddr, beneficiary, env.height+10, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	err := env.engine.RequestExit(env.channelID, env.opAddr, beneficiary, env.height+10, nil)
	if !errors.Is(err, ErrExitAlreadyPending) {
		t.Fatalf("expected ErrExitAlreadyPending, got %v", err)
	}
}

func TestRequestExitValidityWindow(t *testing.T) {
	env := newTestEnv(t)
	beneficiary := newTestAddress(0x77)
	if err := env.engine.RequestExit(env.channelID, env.opAddr, beneficiary, env.height, nil); !errors.Is(err, ErrExitValidityWindow) {
		t.Fatalf("validUntil at current height: expected ErrExitValidityWindow, got %v", err)
	}
	if err := env.engine.RequestExit(env.channelID, env.opAddr, beneficiary, env.height+1000, nil); !errors.Is(err, ErrExitValidityWindow) {
		t.Fatalf("validUntil at timelock: expected ErrExitValidityWindow, got %v", err)
	}
	if err := env.engine.RequestExit(env.channelID, env.opAddr, [20]byte{}, env.height+10, nil); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero beneficiary: expected ErrInvalidAddress, got %v", err)
	}
}

func TestRequestExitByTicket(t *testing.T) {
	env := newTestEnv(t)
	beneficiary := newTestAddress(0x77)
	relayer := newTestAddress(0x55)
	validUntil := env.height + 10

	intruder, _ := newTestKey(t)
	badSig := sign(t, exitRequestDigest(env.channelID, beneficiary, validUntil), intruder)
	if err := env.engine.RequestExit(env.channelID, relayer, beneficiary, validUntil, badSig); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}

	sig := sign(t, exitRequestDigest(env.channelID, beneficiary, validUntil), env.operator)
	if err := env.engine.RequestExit(env.channelID, relayer, beneficiary, validUntil, sig); err != nil {
		t.Fatalf("ticketed request: %v", err)
	}
	ch := env.channel(t)
	if ch.Exit.TimelockBlock != env.height+1000 {
		t.Fatalf("timelock = %d, want %d", ch.Exit.TimelockBlock, env.height+1000)
	}
	if env.emitter.lastType() != EventTypeExitRequested {
		t.Fatalf("unexpected last event %q", env.emitter.lastType())
	}
}

func TestFinalizeExitHonoursTimelock(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 250)
	beneficiary := newTestAddress(0x77)

	if _, err := env.engine.FinalizeExit(env.channelID); !errors.Is(err, ErrExitNotReady) {
		t.Fatalf("no pending request: expected ErrExitNotReady, got %v", err)
	}
	if err := env.engine.RequestExit(env.channelID, env.opAddr, beneficiary, env.height+10, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := env.engine.FinalizeExit(env.channelID); !errors.Is(err, ErrExitNotReady) {
		t.Fatalf("before timelock: expected ErrExitNotReady, got %v", err)
	}

	env.height += 1000
	withdrawn, err := env.engine.FinalizeExit(env.channelID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if withdrawn.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("withdrawn = %s, want 250", withdrawn)
	}
	if got := env.balance(t, beneficiary); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("beneficiary balance = %s, want 250", got)
	}
	if env.channel(t).Exit.Pending() {
		t.Fatalf("exit request not reset to sentinel")
	}
	if _, err := env.engine.FinalizeExit(env.channelID); !errors.Is(err, ErrExitNotReady) {
		t.Fatalf("after reset: expected ErrExitNotReady, got %v", err)
	}
}

func TestFastExitDualSignature(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 500)
	beneficiary := newTestAddress(0x77)
	amount := big.NewInt(200)
	fee := big.NewInt(10)
	validUntil := env.height + 5

	digest := fastExitDigest(7, env.channelID, amount, fee, beneficiary, validUntil, 1)
	opSig := sign(t, digest, env.operator)
	hermesSig := sign(t, digest, env.hermes)

	if err := env.engine.FastExit(env.channelID, env.caller, amount, fee, beneficiary, validUntil, opSig, hermesSig); err != nil {
		t.Fatalf("fast exit: %v", err)
	}
	if got := env.balance(t, beneficiary); got.Cmp(big.NewInt(190)) != 0 {
		t.Fatalf("beneficiary balance = %s, want 190", got)
	}
	if got := env.balance(t, env.caller); got.Cmp(fee) != 0 {
		t.Fatalf("caller fee = %s, want %s", got, fee)
	}
	ch := env.channel(t)
	if ch.LastNonce != 1 {
		t.Fatalf("nonce = %d, want 1", ch.LastNonce)
	}
	if ch.Hermes.Settled.Sign() != 0 {
		t.Fatalf("fast exit must not touch settled accounting, got %s", ch.Hermes.Settled)
	}

	// Byte-identical replay fails: the embedded nonce was consumed.
	if err := env.engine.FastExit(env.channelID, env.caller, amount, fee, beneficiary, validUntil, opSig, hermesSig); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("replay: expected ErrAuthorization, got %v", err)
	}
}

func TestFastExitRejectsSingleSigner(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 500)
	beneficiary := newTestAddress(0x77)
	amount := big.NewInt(200)
	validUntil := env.height + 5

	digest := fastExitDigest(7, env.channelID, amount, big.NewInt(0), beneficiary, validUntil, 1)
	opSig := sign(t, digest, env.operator)
	intruder, _ := newTestKey(t)
	badHermes := sign(t, digest, intruder)

	if err := env.engine.FastExit(env.channelID, env.caller, amount, big.NewInt(0), beneficiary, validUntil, opSig, badHermes); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	if ch := env.channel(t); ch.LastNonce != 0 {
		t.Fatalf("nonce consumed on rejected fast exit")
	}
}

func TestFastExitGuards(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 100)
	beneficiary := newTestAddress(0x77)

	digest := fastExitDigest(7, env.channelID, big.NewInt(10), big.NewInt(20), beneficiary, env.height+5, 1)
	opSig := sign(t, digest, env.operator)
	hermesSig := sign(t, digest, env.hermes)
	if err := env.engine.FastExit(env.channelID, env.caller, big.NewInt(10), big.NewInt(20), beneficiary, env.height+5, opSig, hermesSig); !errors.Is(err, ErrInsufficientAmount) {
		t.Fatalf("fee above amount: expected ErrInsufficientAmount, got %v", err)
	}

	stale := env.height - 1
	digest = fastExitDigest(7, env.channelID, big.NewInt(10), big.NewInt(0), beneficiary, stale, 1)
	opSig = sign(t, digest, env.operator)
	hermesSig = sign(t, digest, env.hermes)
	if err := env.engine.FastExit(env.channelID, env.caller, big.NewInt(10), big.NewInt(0), beneficiary, stale, opSig, hermesSig); !errors.Is(err, ErrExitValidityWindow) {
		t.Fatalf("stale validUntil: expected ErrExitValidityWindow, got %v", err)
	}

	digest = fastExitDigest(7, env.channelID, big.NewInt(1000), big.NewInt(0), beneficiary, env.height+5, 1)
	opSig = sign(t, digest, env.operator)
	hermesSig = sign(t, digest, env.hermes)
	if err := env.engine.FastExit(env.channelID, env.caller, big.NewInt(1000), big.NewInt(0), beneficiary, env.height+5, opSig, hermesSig); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw: expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSetFundsDestinationConsumesNonce(t *testing.T) {
	env := newTestEnv(t)
	dest := newTestAddress(0x99)

	if err := env.engine.SetFundsDestinationByCheque(env.channelID, [20]byte{}, nil); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero destination: expected ErrInvalidAddress, got %v", err)
	}

	sig := sign(t, destinationDigest(env.channelID, dest, 1), env.operator)
	if err := env.engine.SetFundsDestinationByCheque(env.channelID, dest, sig); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	ch := env.channel(t)
	if ch.FundsDestination != dest {
		t.Fatalf("destination not rewritten")
	}
	if ch.LastNonce != 1 {
		t.Fatalf("nonce = %d, want 1", ch.LastNonce)
	}
	if env.emitter.lastType() != EventTypeDestinationChanged {
		t.Fatalf("unexpected last event %q", env.emitter.lastType())
	}

	// The consumed nonce invalidates the old signature forever.
	if err := env.engine.SetFundsDestinationByCheque(env.channelID, dest, sig); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("replay: expected ErrAuthorization, got %v", err)
	}
}

func TestRecoverStrayTokens(t *testing.T) {
	env := newTestEnv(t)
	strayAccounts := newMockAccounts()
	stray := token.NewLedger(strayAccounts, "OTHER")
	if err := stray.Mint(env.channelID, big.NewInt(33)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := env.engine.RecoverStrayTokens(env.channelID, env.caller, stray); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("non-operator: expected ErrAuthorization, got %v", err)
	}

	recovered, err := env.engine.RecoverStrayTokens(env.channelID, env.opAddr, stray)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("recovered = %s, want 33", recovered)
	}
	got, err := stray.BalanceOf(env.opAddr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("destination stray balance = %s, want 33", got)
	}
}

func TestReceiveNativeSwapsThroughRouter(t *testing.T) {
	env := newTestEnv(t)
	router := &stubRouter{}
	env.engine.SetRouter(router)

	out, err := env.engine.ReceiveNative(env.channelID, big.NewInt(120), 1700000000)
	if err != nil {
		t.Fatalf("receive native: %v", err)
	}
	if out.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("swap out = %s, want 120", out)
	}
	if router.to != env.channelID {
		t.Fatalf("swap credited wrong account")
	}
}

func TestOperationsRequireInitializedChannel(t *testing.T) {
	env := newTestEnv(t)
	unknown := newTestAddress(0xEE)
	promise := &Promise{Amount: big.NewInt(10)}
	sig := sign(t, promise.Hash(unknown), env.operator)
	if _, err := env.engine.SettlePromise(unknown, env.caller, promise, sig); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := env.engine.FinalizeExit(unknown); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
