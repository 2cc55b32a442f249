package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchFrame_EchoesNumericID(t *testing.T) {
	d, _ := newTestDaemon(t)
	disp := &dispatcher{daemon: d}

	resp := disp.dispatchFrame(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))

	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`1`), resp.ID)
}

func TestDispatchFrame_EchoesNullID(t *testing.T) {
	d, _ := newTestDaemon(t)
	disp := &dispatcher{daemon: d}

	resp := disp.dispatchFrame(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))

	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`null`), resp.ID)
}

func TestDispatchFrame_EchoesStringID(t *testing.T) {
	d, _ := newTestDaemon(t)
	disp := &dispatcher{daemon: d}

	resp := disp.dispatchFrame(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","id":"abc"}`))

	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"abc"`), resp.ID)
}

func TestDispatchFrame_InvalidJSON_ReturnsNullIDParseError(t *testing.T) {
	d, _ := newTestDaemon(t)
	disp := &dispatcher{daemon: d}

	resp := disp.dispatchFrame(context.Background(), []byte(`not json`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
	assert.Equal(t, json.RawMessage(`null`), resp.ID)
}
