package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("replicate to node-b: %w", ErrConflict)
	assert.Equal(t, "CONFLICT", Token(err))
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestTokenOfUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, "INTERNAL", Token(errors.New("mystery")))
	assert.Equal(t, "", Token(nil))
}

func TestFromTokenRoundTrip(t *testing.T) {
	for _, kind := range []error{
		ErrTransientPeer, ErrLeaderChanged, ErrWriteQuorumFailed,
		ErrConflict, ErrNotFound, ErrDegraded, ErrConfigInvalid,
		ErrPeerBusy, ErrInternal,
	} {
		assert.Equal(t, kind, FromToken(kind.Error()))
	}
	assert.Equal(t, ErrInternal, FromToken("NEVER_HEARD_OF_IT"))
}
