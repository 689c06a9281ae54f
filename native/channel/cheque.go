package channel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	repoCrypto "paychan/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain strings separate the signed payloads of each operation so a
// signature over one message class can never validate another.
const (
	PromiseDomainV1     = "PAYCHAN_PROMISE_V1"
	ExitRequestDomainV1 = "PAYCHAN_EXIT_REQUEST_V1"
	FastExitDomainV1    = "PAYCHAN_FAST_EXIT_V1"
	DestinationDomainV1 = "PAYCHAN_FUNDS_DESTINATION_V1"
)

// Promise is an off-channel cheque authorising cumulative settlement. Amount
// is the total owed over the life of the channel, not an increment. Lock is
// an opaque commitment slot: its hash is folded into the authenticated digest
// but no preimage is ever required or checked here.
type Promise struct {
	Amount *big.Int
	Fee    *big.Int
	Lock   []byte
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Hash reconstructs the canonical digest signed by the channel operator. The
// channel address is part of the payload so a promise signed for one channel
// can never be redeemed against another.
func (p *Promise) Hash(channel [20]byte) []byte {
	lockHash := ethcrypto.Keccak256(p.Lock)
	payload := fmt.Sprintf("%s|channel=%s|amount=%s|fee=%s|lock=%s",
		PromiseDomainV1,
		hex.EncodeToString(channel[:]),
		bigString(p.Amount),
		bigString(p.Fee),
		hex.EncodeToString(lockHash),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

func exitRequestDigest(channel, beneficiary [20]byte, validUntil uint64) []byte {
	payload := fmt.Sprintf("%s|channel=%s|beneficiary=%s|validUntil=%d",
		ExitRequestDomainV1,
		hex.EncodeToString(channel[:]),
		hex.EncodeToString(beneficiary[:]),
		validUntil,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

func fastExitDigest(chainID uint64, channel [20]byte, amount, fee *big.Int, beneficiary [20]byte, validUntil, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|chain=%d|channel=%s|amount=%s|fee=%s|beneficiary=%s|validUntil=%d|nonce=%d",
		FastExitDomainV1,
		chainID,
		hex.EncodeToString(channel[:]),
		bigString(amount),
		bigString(fee),
		hex.EncodeToString(beneficiary[:]),
		validUntil,
		nonce,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

func destinationDigest(channel, destination [20]byte, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|channel=%s|destination=%s|nonce=%d",
		DestinationDomainV1,
		hex.EncodeToString(channel[:]),
		hex.EncodeToString(destination[:]),
		nonce,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// PromiseEnvelope bundles a promise with its target channel and operator
// signature for transport between relayers and the settlement node.
type PromiseEnvelope struct {
	Channel   [20]byte
	Promise   Promise
	Signature []byte
}

type promiseJSON struct {
	Channel   string `json:"channel"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Lock      string `json:"lock"`
	Signature string `json:"signature"`
}

// MarshalJSON encodes the envelope into the representation consumed by
// relayer tooling.
func (e PromiseEnvelope) MarshalJSON() ([]byte, error) {
	channel := ""
	if e.Channel != ([20]byte{}) {
		channel = repoCrypto.NewAddress(repoCrypto.PayPrefix, e.Channel[:]).String()
	}
	payload := promiseJSON{
		Channel:   channel,
		Amount:    bigString(e.Promise.Amount),
		Fee:       bigString(e.Promise.Fee),
		Lock:      hex.EncodeToString(e.Promise.Lock),
		Signature: hex.EncodeToString(e.Signature),
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (e *PromiseEnvelope) UnmarshalJSON(data []byte) error {
	if e == nil {
		return fmt.Errorf("promise: nil receiver")
	}
	var payload promiseJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	channelStr := strings.TrimSpace(payload.Channel)
	if channelStr == "" {
		return fmt.Errorf("promise: channel required")
	}
	channelAddr, err := repoCrypto.DecodeAddress(channelStr)
	if err != nil {
		return fmt.Errorf("promise: channel: %w", err)
	}
	var channel [20]byte
	copy(channel[:], channelAddr.Bytes())
	amountStr := strings.TrimSpace(payload.Amount)
	if amountStr == "" {
		return fmt.Errorf("promise: amount required")
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return fmt.Errorf("promise: invalid amount %q", payload.Amount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("promise: amount must be positive")
	}
	fee := big.NewInt(0)
	if feeStr := strings.TrimSpace(payload.Fee); feeStr != "" {
		fee, ok = new(big.Int).SetString(feeStr, 10)
		if !ok {
			return fmt.Errorf("promise: invalid fee %q", payload.Fee)
		}
		if fee.Sign() < 0 {
			return fmt.Errorf("promise: fee must be non-negative")
		}
	}
	lock, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(payload.Lock)), "0x"))
	if err != nil {
		return fmt.Errorf("promise: lock: %w", err)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(payload.Signature)), "0x"))
	if err != nil {
		return fmt.Errorf("promise: signature: %w", err)
	}
	*e = PromiseEnvelope{
		Channel:   channel,
		Promise:   Promise{Amount: amount, Fee: fee, Lock: lock},
		Signature: signature,
	}
	return nil
}
