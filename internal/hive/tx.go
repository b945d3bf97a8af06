package hive

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// timeFormat is the chain's expiration timestamp format (UTC, no zone).
const timeFormat = "2006-01-02T15:04:05"

// Asset is an on-chain amount such as "0.000 HIVE" or "123.456789 VESTS".
type Asset struct {
	Amount    int64
	Precision uint8
	Symbol    string
}

func HiveAsset(amount int64) Asset  { return Asset{Amount: amount, Precision: 3, Symbol: "HIVE"} }
func VestsAsset(amount int64) Asset { return Asset{Amount: amount, Precision: 6, Symbol: "VESTS"} }

// VestsFromFloat converts a fractional VESTS value into its integer form.
func VestsFromFloat(v float64) Asset {
	d := decimal.NewFromFloat(v).Shift(6).Truncate(0)
	return VestsAsset(d.IntPart())
}

func (a Asset) String() string {
	d := decimal.New(a.Amount, -int32(a.Precision))
	return d.StringFixed(int32(a.Precision)) + " " + a.Symbol
}

func (a Asset) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a Asset) writeTo(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, a.Amount)
	buf.WriteByte(a.Precision)
	sym := make([]byte, 7)
	copy(sym, a.Symbol)
	buf.Write(sym)
}

// Authority is a weighted set of accounts and keys controlling a role.
type Authority struct {
	WeightThreshold uint32
	KeyAuths        []KeyAuth
}

type KeyAuth struct {
	Key    string
	Weight uint16
}

// SoleKeyAuthority builds the usual single-key authority for a fresh account.
func SoleKeyAuthority(pub string) Authority {
	return Authority{WeightThreshold: 1, KeyAuths: []KeyAuth{{Key: pub, Weight: 1}}}
}

func (a Authority) MarshalJSON() ([]byte, error) {
	keyAuths := make([][2]any, 0, len(a.KeyAuths))
	for _, ka := range a.KeyAuths {
		keyAuths = append(keyAuths, [2]any{ka.Key, ka.Weight})
	}
	return json.Marshal(map[string]any{
		"weight_threshold": a.WeightThreshold,
		"account_auths":    [][2]any{},
		"key_auths":        keyAuths,
	})
}

func (a Authority) writeTo(buf *bytes.Buffer, prefix string) error {
	binary.Write(buf, binary.LittleEndian, a.WeightThreshold)
	writeUvarint(buf, 0) // account_auths
	writeUvarint(buf, uint64(len(a.KeyAuths)))
	for _, ka := range a.KeyAuths {
		raw, err := DecodePublic(ka.Key, prefix)
		if err != nil {
			return err
		}
		buf.Write(raw)
		binary.Write(buf, binary.LittleEndian, ka.Weight)
	}
	return nil
}

// Operation is one broadcastable chain operation.
type Operation interface {
	opName() string
	opID() uint64
	writeTo(buf *bytes.Buffer, prefix string) error
	jsonBody() any
}

// ClaimAccountOp converts claimer RC (or a fee) into an account ticket.
type ClaimAccountOp struct {
	Creator string
	Fee     Asset
}

func (op ClaimAccountOp) opName() string { return "claim_account" }
func (op ClaimAccountOp) opID() uint64   { return 22 }

func (op ClaimAccountOp) writeTo(buf *bytes.Buffer, _ string) error {
	writeString(buf, op.Creator)
	op.Fee.writeTo(buf)
	writeUvarint(buf, 0) // extensions
	return nil
}

func (op ClaimAccountOp) jsonBody() any {
	return map[string]any{
		"creator":    op.Creator,
		"fee":        op.Fee,
		"extensions": []any{},
	}
}

// CreateClaimedAccountOp spends one ticket to create a named account.
type CreateClaimedAccountOp struct {
	Creator        string
	NewAccountName string
	Owner          Authority
	Active         Authority
	Posting        Authority
	MemoKey        string
	JSONMetadata   string
}

func (op CreateClaimedAccountOp) opName() string { return "create_claimed_account" }
func (op CreateClaimedAccountOp) opID() uint64   { return 23 }

func (op CreateClaimedAccountOp) writeTo(buf *bytes.Buffer, prefix string) error {
	writeString(buf, op.Creator)
	writeString(buf, op.NewAccountName)
	for _, auth := range []Authority{op.Owner, op.Active, op.Posting} {
		if err := auth.writeTo(buf, prefix); err != nil {
			return err
		}
	}
	memo, err := DecodePublic(op.MemoKey, prefix)
	if err != nil {
		return err
	}
	buf.Write(memo)
	writeString(buf, op.JSONMetadata)
	writeUvarint(buf, 0) // extensions
	return nil
}

func (op CreateClaimedAccountOp) jsonBody() any {
	return map[string]any{
		"creator":          op.Creator,
		"new_account_name": op.NewAccountName,
		"owner":            op.Owner,
		"active":           op.Active,
		"posting":          op.Posting,
		"memo_key":         op.MemoKey,
		"json_metadata":    op.JSONMetadata,
		"extensions":       []any{},
	}
}

// DelegateVestingSharesOp grants resource throughput to another account.
type DelegateVestingSharesOp struct {
	Delegator     string
	Delegatee     string
	VestingShares Asset
}

func (op DelegateVestingSharesOp) opName() string { return "delegate_vesting_shares" }
func (op DelegateVestingSharesOp) opID() uint64   { return 40 }

func (op DelegateVestingSharesOp) writeTo(buf *bytes.Buffer, _ string) error {
	writeString(buf, op.Delegator)
	writeString(buf, op.Delegatee)
	op.VestingShares.writeTo(buf)
	return nil
}

func (op DelegateVestingSharesOp) jsonBody() any {
	return map[string]any{
		"delegator":      op.Delegator,
		"delegatee":      op.Delegatee,
		"vesting_shares": op.VestingShares,
	}
}

// Transaction is an unsigned or signed chain transaction.
type Transaction struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     time.Time
	Operations     []Operation
	Signatures     []string
}

// serialize produces the canonical binary form the signature covers.
func (tx *Transaction) serialize(prefix string) ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, tx.RefBlockNum)
	binary.Write(&buf, binary.LittleEndian, tx.RefBlockPrefix)
	binary.Write(&buf, binary.LittleEndian, uint32(tx.Expiration.Unix()))
	writeUvarint(&buf, uint64(len(tx.Operations)))
	for _, op := range tx.Operations {
		writeUvarint(&buf, op.opID())
		if err := op.writeTo(&buf, prefix); err != nil {
			return nil, fmt.Errorf("hive: serialize %s: %w", op.opName(), err)
		}
	}
	writeUvarint(&buf, 0) // extensions
	return buf.Bytes(), nil
}

// Sign appends one canonical signature per WIF over sha256(chainID || tx).
func (tx *Transaction) Sign(chainID []byte, prefix string, wifs ...string) error {
	ser, err := tx.serialize(prefix)
	if err != nil {
		return err
	}
	digest := txDigest(chainID, ser)
	for _, wif := range wifs {
		priv, err := DecodeWIF(wif)
		if err != nil {
			return err
		}
		sig, err := signCanonical(priv, digest)
		if err != nil {
			return err
		}
		tx.Signatures = append(tx.Signatures, hex.EncodeToString(sig))
	}
	return nil
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	ops := make([][2]any, 0, len(tx.Operations))
	for _, op := range tx.Operations {
		ops = append(ops, [2]any{op.opName(), op.jsonBody()})
	}
	sigs := tx.Signatures
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(map[string]any{
		"ref_block_num":    tx.RefBlockNum,
		"ref_block_prefix": tx.RefBlockPrefix,
		"expiration":       tx.Expiration.UTC().Format(timeFormat),
		"operations":       ops,
		"extensions":       []any{},
		"signatures":       sigs,
	})
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// ParseChainID decodes the hex chain id from configuration.
func ParseChainID(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("hive: chain id must be 32 hex bytes")
	}
	return raw, nil
}
