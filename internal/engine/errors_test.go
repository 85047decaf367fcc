package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/meshcal/internal/channel"
	"github.com/roach88/meshcal/internal/transport"
	"github.com/roach88/meshcal/internal/wire"
)

func TestSyncError_Error(t *testing.T) {
	err := transportErr("UPDATE_EVENT", "cal-1", transport.ErrNotConnected)

	assert.Equal(t, "TRANSPORT UPDATE_EVENT (calendar=cal-1): transport not connected", err.Error())
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSyncError_Helpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", transportErr("start", "", errors.New("refused")))

	assert.True(t, IsTransportError(wrapped))
	assert.False(t, IsDecodeError(wrapped))
	assert.False(t, IsChannelAbsent(wrapped))

	assert.True(t, IsDecodeError(&SyncError{Code: ErrCodeDecode}))
	_, decodeErr := wire.Decode([]byte{0xff})
	assert.True(t, IsDecodeError(decodeErr))

	assert.True(t, IsChannelAbsent(&SyncError{Code: ErrCodeChannelAbsent}))
	assert.True(t, IsChannelAbsent(channel.ErrChannelAbsent))
	assert.False(t, IsTransportError(nil))
}
