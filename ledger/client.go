package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/sherlock-bot/sherlock/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

// Reader is the read side of the ledger used by the monitor.
type Reader interface {
	IrreversibleHeight(ctx context.Context) (int64, error)
	BlockOperations(ctx context.Context, height int64) ([]AppliedOperation, error)
	BlockHeader(ctx context.Context, height int64) (*BlockHeader, error)
	MedianPrice(ctx context.Context) (*Price, error)
	RewardFund(ctx context.Context, name string) (*RewardFund, error)
	GetPost(ctx context.Context, author, permlink string) (*Post, error)
	// AccountHistory returns entries with index in [from-limit, from], in
	// ascending order. from=-1 means "latest".
	AccountHistory(ctx context.Context, account string, from int64, limit int) ([]HistoryEntry, error)
}

// Client is a JSON-RPC client for a single node.
type Client struct {
	// Client is an HTTP client to use. If not set, defaults to util.RobustHTTPClient().
	Client *http.Client
	Host   string
	// optional client-side limit on requests per second
	Limiter   *rate.Limiter
	UserAgent *string

	nextID atomic.Int64
}

var _ Reader = (*Client)(nil)

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return util.RobustHTTPClient()
	}
	return c.Client
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call invokes a JSON-RPC method and decodes the result into out. A null
// result is reported as a KindTransient error.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != nil {
		req.Header.Set("User-Agent", *c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "sherlock/"+versioninfo.Short())
	}

	resp, err := c.getClient().Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: method, Wrapped: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransient, Message: method, Wrapped: err}
	}
	if resp.StatusCode != http.StatusOK {
		e := DecodeError(resp.StatusCode, fmt.Sprintf("%s: %s", method, truncate(raw, 256)))
		if e.Kind == KindUnknown && resp.StatusCode >= 500 {
			e.Kind = KindTransient
		}
		return e
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return &Error{Kind: KindTransient, Message: method, Wrapped: fmt.Errorf("decoding response: %w", err)}
	}
	if rr.Error != nil {
		return DecodeError(resp.StatusCode, fmt.Sprintf("%s: %s", method, rr.Error.Message))
	}
	if len(rr.Result) == 0 || string(rr.Result) == "null" {
		return &Error{Kind: KindTransient, Message: method + ": null result"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func (c *Client) DynamicGlobalProperties(ctx context.Context) (*DynamicGlobalProperties, error) {
	var out DynamicGlobalProperties
	if err := c.Call(ctx, "condenser_api.get_dynamic_global_properties", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IrreversibleHeight(ctx context.Context) (int64, error) {
	props, err := c.DynamicGlobalProperties(ctx)
	if err != nil {
		return 0, err
	}
	if props.LastIrreversibleBlockNum <= 0 {
		return 0, &Error{Kind: KindTransient, Message: "missing last_irreversible_block_num"}
	}
	return props.LastIrreversibleBlockNum, nil
}

func (c *Client) BlockOperations(ctx context.Context, height int64) ([]AppliedOperation, error) {
	var out []AppliedOperation
	if err := c.Call(ctx, "condenser_api.get_ops_in_block", []any{height, false}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) BlockHeader(ctx context.Context, height int64) (*BlockHeader, error) {
	var out BlockHeader
	if err := c.Call(ctx, "condenser_api.get_block_header", []any{height}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MedianPrice(ctx context.Context) (*Price, error) {
	var out Price
	if err := c.Call(ctx, "condenser_api.get_current_median_history_price", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RewardFund(ctx context.Context, name string) (*RewardFund, error) {
	var out RewardFund
	if err := c.Call(ctx, "condenser_api.get_reward_fund", []any{name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPost fetches a post or comment. Nodes answer an unknown permlink with an
// empty object rather than an error; that is reported as ErrNotFound.
func (c *Client) GetPost(ctx context.Context, author, permlink string) (*Post, error) {
	var out Post
	if err := c.Call(ctx, "condenser_api.get_content", []any{author, permlink}, &out); err != nil {
		return nil, err
	}
	if out.Author == "" {
		return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("@%s/%s", author, permlink)}
	}
	return &out, nil
}

func (c *Client) AccountHistory(ctx context.Context, account string, from int64, limit int) ([]HistoryEntry, error) {
	var out []HistoryEntry
	if err := c.Call(ctx, "condenser_api.get_account_history", []any{account, from, limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
