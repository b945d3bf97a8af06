package hive

import (
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// txDigest is the value signatures cover: sha256(chainID || serialized tx).
func txDigest(chainID, serialized []byte) []byte {
	h := sha256.New()
	h.Write(chainID)
	h.Write(serialized)
	return h.Sum(nil)
}

// signCanonical produces a 65-byte recoverable signature in the compact
// form graphene nodes expect: header byte (27 + 4 + recovery id), then
// 32-byte R and 32-byte S. Nodes reject non-canonical encodings, so the
// RFC6979 nonce is re-derived with an increasing extra iteration count
// until the encoding passes the canonical test.
func signCanonical(priv *secp256k1.PrivateKey, digest []byte) ([]byte, error) {
	privBytes := priv.Serialize()
	defer func() {
		for i := range privBytes {
			privBytes[i] = 0
		}
	}()

	var e secp256k1.ModNScalar
	e.SetByteSlice(digest)

	for iter := uint32(0); iter < 1024; iter++ {
		k := secp256k1.NonceRFC6979(privBytes, digest, nil, nil, iter)

		var kG secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(k, &kG)
		kG.ToAffine()

		var r secp256k1.ModNScalar
		overflow := r.SetBytes(kG.X.Bytes())
		if r.IsZero() {
			k.Zero()
			continue
		}
		recovery := byte(overflow<<1) | byte(kG.Y.IsOddBit())

		kInv := new(secp256k1.ModNScalar).InverseValNonConst(k)
		s := new(secp256k1.ModNScalar).Mul2(&priv.Key, &r).Add(&e).Mul(kInv)
		k.Zero()
		if s.IsZero() {
			continue
		}
		if s.IsOverHalfOrder() {
			s.Negate()
			recovery ^= 1
		}

		rb := r.Bytes()
		sb := s.Bytes()
		sig := make([]byte, 65)
		sig[0] = 27 + 4 + recovery
		copy(sig[1:33], rb[:])
		copy(sig[33:65], sb[:])
		if isCanonicalSignature(sig) {
			return sig, nil
		}
	}
	return nil, errors.New("hive: no canonical signature found")
}

// isCanonicalSignature applies the graphene canonicality rules to a
// 65-byte compact signature (header || R || S).
func isCanonicalSignature(sig []byte) bool {
	return sig[1]&0x80 == 0 &&
		!(sig[1] == 0 && sig[2]&0x80 == 0) &&
		sig[33]&0x80 == 0 &&
		!(sig[33] == 0 && sig[34]&0x80 == 0)
}
