package channel

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// recoverSigner extracts the signing address from a 65-byte secp256k1
// signature over the supplied digest.
func recoverSigner(digest, sig []byte) ([20]byte, error) {
	var signer [20]byte
	if len(sig) != 65 {
		return signer, ErrAuthorization
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return signer, ErrAuthorization
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	copy(signer[:], recovered.Bytes())
	return signer, nil
}

// requireSigner fails with ErrAuthorization unless the signature over digest
// recovers to expected. Pure validation, no side effects.
func requireSigner(digest, sig []byte, expected [20]byte) error {
	signer, err := recoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if ethcommon.BytesToAddress(signer[:]) != ethcommon.BytesToAddress(expected[:]) {
		return ErrAuthorization
	}
	return nil
}
