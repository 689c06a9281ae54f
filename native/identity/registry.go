package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// BeneficiaryDomainV1 separates beneficiary rotation payloads from every
// other signed message class.
const BeneficiaryDomainV1 = "PAYCHAN_BENEFICIARY_V1"

var (
	// ErrUnknownHermes indicates no operator is registered for the contract.
	ErrUnknownHermes = errors.New("identity: unknown hermes contract")
	// ErrAuthorization indicates the rotation signature recovers to the wrong key.
	ErrAuthorization = errors.New("identity: authorization invalid")
	// ErrInvalidAddress indicates a zero-address argument.
	ErrInvalidAddress = errors.New("identity: invalid address")
)

// Storage exposes the typed key-value access required by the registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	beneficiaryPrefix = []byte("identity/beneficiary/")
	hermesPrefix      = []byte("identity/hermes/")
)

type storedBeneficiary struct {
	Beneficiary [20]byte
	LastNonce   uint64
}

// Registry maps identities to beneficiary addresses and hermes settlement
// contracts to their signing operators. It backs the channel engine's
// operator snapshot at initialization and the sibling administrative logic.
type Registry struct {
	store Storage
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store Storage) *Registry {
	return &Registry{store: store}
}

func prefixedKey(prefix []byte, addr [20]byte) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr[:])
	return buf
}

// Beneficiary resolves the payout address registered for an identity. The
// identity itself is the fallback when no rotation was ever recorded.
func (r *Registry) Beneficiary(identity [20]byte) ([20]byte, error) {
	if r == nil || r.store == nil {
		return [20]byte{}, fmt.Errorf("identity registry not initialised")
	}
	var stored storedBeneficiary
	ok, err := r.store.KVGet(prefixedKey(beneficiaryPrefix, identity), &stored)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return identity, nil
	}
	return stored.Beneficiary, nil
}

func rotationDigest(identity, beneficiary [20]byte, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|identity=%s|beneficiary=%s|nonce=%d",
		BeneficiaryDomainV1,
		hex.EncodeToString(identity[:]),
		hex.EncodeToString(beneficiary[:]),
		nonce,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// SetBeneficiary rotates the payout address for an identity. The rotation is
// authorised by the identity's own signature over a nonce-consuming digest.
func (r *Registry) SetBeneficiary(identity, newBeneficiary [20]byte, signature []byte) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("identity registry not initialised")
	}
	if newBeneficiary == ([20]byte{}) {
		return ErrInvalidAddress
	}
	var stored storedBeneficiary
	if _, err := r.store.KVGet(prefixedKey(beneficiaryPrefix, identity), &stored); err != nil {
		return err
	}
	nonce := stored.LastNonce + 1
	if err := verifySigner(rotationDigest(identity, newBeneficiary, nonce), signature, identity); err != nil {
		return err
	}
	stored.Beneficiary = newBeneficiary
	stored.LastNonce = nonce
	return r.store.KVPut(prefixedKey(beneficiaryPrefix, identity), stored)
}

// RegisterHermes records the signing operator for a hermes settlement
// contract. Registration tooling calls this when a hermes is deployed.
func (r *Registry) RegisterHermes(contract, operator [20]byte) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("identity registry not initialised")
	}
	if contract == ([20]byte{}) || operator == ([20]byte{}) {
		return ErrInvalidAddress
	}
	return r.store.KVPut(prefixedKey(hermesPrefix, contract), operator)
}

// HermesOperator resolves the operator registered for a hermes contract.
func (r *Registry) HermesOperator(contract [20]byte) ([20]byte, error) {
	if r == nil || r.store == nil {
		return [20]byte{}, fmt.Errorf("identity registry not initialised")
	}
	var operator [20]byte
	ok, err := r.store.KVGet(prefixedKey(hermesPrefix, contract), &operator)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrUnknownHermes
	}
	return operator, nil
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
