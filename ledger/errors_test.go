package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeError(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		status int
		msg    string
		kind   ErrorKind
	}{
		{200, "Duplicate transaction check failed", KindDuplicate},
		{500, "itr->vote_percent != o.weight: You have already voted in a similar way.", KindDuplicate},
		{200, "You may only comment once every 20 seconds.", KindRateLimited},
		{200, "You may only post once every 5 minutes.", KindRateLimited},
		{200, "Can only vote once every 3 seconds.", KindRateLimited},
		{200, "( now - auth.last_post ) > STEEMIT_MIN_REPLY_INTERVAL", KindRateLimited},
		{http.StatusTooManyRequests, "slow down", KindRateLimited},
		{400, "missing required posting authority", KindUnknown},
		{500, "", KindUnknown},
	}
	for _, tc := range tests {
		e := DecodeError(tc.status, tc.msg)
		assert.Equal(tc.kind, e.Kind, tc.msg)
		assert.Equal(tc.status, e.StatusCode)
	}
}

func TestKindOf(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(KindUnknown, KindOf(nil))
	assert.Equal(KindUnknown, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("editing post: %w", DecodeError(200, "Duplicate"))
	assert.Equal(KindDuplicate, KindOf(wrapped))

	nf := fmt.Errorf("fetching: %w", &Error{Kind: KindNotFound, Message: "@a/b"})
	assert.True(errors.Is(nf, ErrNotFound))
	assert.False(errors.Is(wrapped, ErrNotFound))
}
