package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcFixture answers JSON-RPC calls from a method -> raw result table.
func rpcFixture(t *testing.T, results map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))
		res, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + res + `}`))
	}))
}

func TestClientReads(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := rpcFixture(t, map[string]string{
		"condenser_api.get_dynamic_global_properties":    `{"head_block_number":120,"last_irreversible_block_num":100,"time":"2018-01-08T10:00:00"}`,
		"condenser_api.get_block_header":                 `{"previous":"00","timestamp":"2018-01-08T10:00:03","witness":"w"}`,
		"condenser_api.get_ops_in_block":                 `[{"trx_id":"t","block":100,"timestamp":"2018-01-08T10:00:03","op":["vote",{"voter":"a","author":"b","permlink":"c","weight":100}]},{"block":100,"op":["transfer",{"from":"x"}]}]`,
		"condenser_api.get_current_median_history_price": `{"base":"0.950 SBD","quote":"1.000 STEEM"}`,
		"condenser_api.get_reward_fund":                  `{"name":"post","reward_balance":"730000.000 STEEM","recent_claims":"400000000000000000"}`,
		"condenser_api.get_content":                      `{"author":"","permlink":""}`,
	})
	defer srv.Close()

	c := &Client{Client: srv.Client(), Host: srv.URL}

	h, err := c.IrreversibleHeight(ctx)
	require.NoError(t, err)
	assert.Equal(int64(100), h)

	hdr, err := c.BlockHeader(ctx, 100)
	require.NoError(t, err)
	assert.Equal(3, hdr.Timestamp.Second())

	ops, err := c.BlockOperations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(OpVote, ops[0].Op.Type)
	assert.Equal("transfer", ops[1].Op.Type)

	price, err := c.MedianPrice(ctx)
	require.NoError(t, err)
	assert.Equal("0.950 SBD", price.Base)

	fund, err := c.RewardFund(ctx, "post")
	require.NoError(t, err)
	assert.Equal(Shares("400000000000000000"), fund.RecentClaims)

	_, err = c.GetPost(ctx, "nobody", "nothing")
	assert.True(errors.Is(err, ErrNotFound))

	_, err = c.AccountHistory(ctx, "a", -1, 10)
	assert.Error(err)
	assert.Equal(KindUnknown, KindOf(err))
}

func TestClientNullResult(t *testing.T) {
	srv := rpcFixture(t, map[string]string{
		"condenser_api.get_dynamic_global_properties": `null`,
	})
	defer srv.Close()

	c := &Client{Client: srv.Client(), Host: srv.URL}
	_, err := c.IrreversibleHeight(context.Background())
	assert.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}
