package hive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecobank/hivemint/internal/domain"
)

// Client is a JSON-RPC client for a chain node plus the claimer account's
// signing identity. The node is an unreliable network collaborator; every
// call takes a context and network-level failures come back wrapped as
// domain.Transient.
type Client struct {
	nodeURL    string
	httpClient *http.Client
	chainID    []byte
	prefix     string
	claimer    string
	claimerWIF string
}

type ClientConfig struct {
	NodeURL    string
	ChainID    string
	Prefix     string
	Claimer    string
	ClaimerWIF string
	Timeout    time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	chainID, err := ParseChainID(cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if _, err := DecodeWIF(cfg.ClaimerWIF); err != nil {
		return nil, fmt.Errorf("hive: claimer key: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		nodeURL:    cfg.NodeURL,
		httpClient: &http.Client{Timeout: timeout},
		chainID:    chainID,
		prefix:     cfg.Prefix,
		claimer:    cfg.Claimer,
		claimerWIF: cfg.ClaimerWIF,
	}, nil
}

// Prefix returns the chain's public key address prefix.
func (c *Client) Prefix() string { return c.prefix }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("hive: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hive: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Transient(fmt.Errorf("hive: %s: %w", method, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return domain.Transient(fmt.Errorf("hive: %s: node returned %d", method, resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return domain.Transient(fmt.Errorf("hive: %s: decode: %w", method, err))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("hive: %s: node error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("hive: %s: result: %w", method, err)
		}
	}
	return nil
}

type chainAccount struct {
	Name                   string `json:"name"`
	PendingClaimedAccounts int    `json:"pending_claimed_accounts"`
}

// AccountExists queries the node for the account name.
func (c *Client) AccountExists(ctx context.Context, name string) (bool, error) {
	var accounts []chainAccount
	if err := c.call(ctx, "condenser_api.get_accounts", [][]string{{name}}, &accounts); err != nil {
		return false, err
	}
	return len(accounts) > 0, nil
}

// AccountAuthorities is the on-chain authority set of an existing account.
type AccountAuthorities struct {
	Owner   []string
	Active  []string
	Posting []string
	Memo    string
}

// Authorizes reports whether pub satisfies the given role.
func (a *AccountAuthorities) Authorizes(role Role, pub string) bool {
	switch role {
	case RoleOwner:
		return containsKey(a.Owner, pub)
	case RoleActive:
		return containsKey(a.Active, pub)
	case RolePosting:
		return containsKey(a.Posting, pub)
	case RoleMemo:
		return a.Memo == pub
	}
	return false
}

func containsKey(keys []string, pub string) bool {
	for _, k := range keys {
		if k == pub {
			return true
		}
	}
	return false
}

type chainAuthority struct {
	KeyAuths [][2]json.RawMessage `json:"key_auths"`
}

func (a chainAuthority) keys() []string {
	out := make([]string, 0, len(a.KeyAuths))
	for _, ka := range a.KeyAuths {
		var key string
		if json.Unmarshal(ka[0], &key) == nil && key != "" {
			out = append(out, key)
		}
	}
	return out
}

// AccountAuthorities fetches the authority set of an existing account.
func (c *Client) AccountAuthorities(ctx context.Context, name string) (*AccountAuthorities, error) {
	var accounts []struct {
		Name    string         `json:"name"`
		Owner   chainAuthority `json:"owner"`
		Active  chainAuthority `json:"active"`
		Posting chainAuthority `json:"posting"`
		MemoKey string         `json:"memo_key"`
	}
	if err := c.call(ctx, "condenser_api.get_accounts", [][]string{{name}}, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, domain.ErrAccountNotFound
	}
	acc := accounts[0]
	return &AccountAuthorities{
		Owner:   acc.Owner.keys(),
		Active:  acc.Active.keys(),
		Posting: acc.Posting.keys(),
		Memo:    acc.MemoKey,
	}, nil
}

// PendingTickets returns how many pre-claimed account tickets the claimer holds.
func (c *Client) PendingTickets(ctx context.Context) (int, error) {
	var accounts []chainAccount
	if err := c.call(ctx, "condenser_api.get_accounts", [][]string{{c.claimer}}, &accounts); err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		return 0, fmt.Errorf("hive: claimer account %q not found on chain", c.claimer)
	}
	return accounts[0].PendingClaimedAccounts, nil
}

type dynamicGlobalProps struct {
	HeadBlockNumber      uint32 `json:"head_block_number"`
	HeadBlockID          string `json:"head_block_id"`
	Time                 string `json:"time"`
	TotalVestingFundHive string `json:"total_vesting_fund_hive"`
	TotalVestingShares   string `json:"total_vesting_shares"`
}

func (c *Client) globalProps(ctx context.Context) (*dynamicGlobalProps, error) {
	var dgp dynamicGlobalProps
	if err := c.call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &dgp); err != nil {
		return nil, err
	}
	return &dgp, nil
}

// HPToVests converts a Hive Power amount to vesting shares using the
// current global vesting ratio.
func (c *Client) HPToVests(ctx context.Context, hp float64) (Asset, error) {
	dgp, err := c.globalProps(ctx)
	if err != nil {
		return Asset{}, err
	}
	fund, err := assetAmount(dgp.TotalVestingFundHive)
	if err != nil {
		return Asset{}, err
	}
	shares, err := assetAmount(dgp.TotalVestingShares)
	if err != nil {
		return Asset{}, err
	}
	if !fund.IsPositive() {
		return Asset{}, fmt.Errorf("hive: zero vesting fund")
	}
	vests := decimal.NewFromFloat(hp).Mul(shares).Div(fund)
	f, _ := vests.Float64()
	return VestsFromFloat(f), nil
}

// assetAmount parses the numeric part of a condenser asset string like
// "123.456 HIVE".
func assetAmount(s string) (decimal.Decimal, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return decimal.Zero, fmt.Errorf("hive: bad asset %q", s)
	}
	return decimal.NewFromString(parts[0])
}

// ClaimAccount converts claimer resource credits into one creation ticket.
// Resource exhaustion is reported as domain.ErrNoTickets so callers can
// distinguish it from network trouble.
func (c *Client) ClaimAccount(ctx context.Context) (string, error) {
	txID, err := c.broadcast(ctx, ClaimAccountOp{Creator: c.claimer, Fee: HiveAsset(0)})
	if err != nil {
		if !domain.IsTransient(err) && mentionsResourceExhaustion(err) {
			return "", domain.ErrNoTickets
		}
		return "", err
	}
	return txID, nil
}

// CreateClaimedAccount spends a ticket to create the named account with
// the given authority set.
func (c *Client) CreateClaimedAccount(ctx context.Context, name string, keys KeySet) (string, error) {
	op := CreateClaimedAccountOp{
		Creator:        c.claimer,
		NewAccountName: name,
		Owner:          SoleKeyAuthority(keys[RoleOwner].Public),
		Active:         SoleKeyAuthority(keys[RoleActive].Public),
		Posting:        SoleKeyAuthority(keys[RolePosting].Public),
		MemoKey:        keys[RoleMemo].Public,
		JSONMetadata:   "",
	}
	return c.broadcast(ctx, op)
}

// DelegateVesting delegates resource throughput from the claimer to an account.
func (c *Client) DelegateVesting(ctx context.Context, delegatee string, shares Asset) (string, error) {
	op := DelegateVestingSharesOp{Delegator: c.claimer, Delegatee: delegatee, VestingShares: shares}
	return c.broadcast(ctx, op)
}

type broadcastResult struct {
	ID string `json:"id"`
}

func (c *Client) broadcast(ctx context.Context, ops ...Operation) (string, error) {
	dgp, err := c.globalProps(ctx)
	if err != nil {
		return "", err
	}
	headID, err := hex.DecodeString(dgp.HeadBlockID)
	if err != nil || len(headID) < 8 {
		return "", fmt.Errorf("hive: bad head block id %q", dgp.HeadBlockID)
	}
	headTime, err := time.Parse(timeFormat, dgp.Time)
	if err != nil {
		return "", fmt.Errorf("hive: bad head block time %q", dgp.Time)
	}

	tx := &Transaction{
		RefBlockNum:    uint16(dgp.HeadBlockNumber & 0xFFFF),
		RefBlockPrefix: binary.LittleEndian.Uint32(headID[4:8]),
		Expiration:     headTime.Add(time.Minute),
		Operations:     ops,
	}
	if err := tx.Sign(c.chainID, c.prefix, c.claimerWIF); err != nil {
		return "", err
	}

	var result broadcastResult
	if err := c.call(ctx, "condenser_api.broadcast_transaction_synchronous", []any{tx}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func mentionsResourceExhaustion(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"not enough rc", "rc mana", "insufficient", "has_mana"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
