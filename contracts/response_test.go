package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponse(t *testing.T) {
	t.Run("NewResponse has ok status, null error and empty data", func(t *testing.T) {
		data, err := json.Marshal(NewResponse())
		require.NoError(t, err)

		assert.JSONEq(t, `{"status":"ok","error_message":null,"data":{}}`, string(data))
	})

	t.Run("each call returns a fresh envelope", func(t *testing.T) {
		a := NewResponse()
		b := NewResponse()
		a.Data.(map[string]any)["thing"] = "yes"

		assert.Empty(t, b.Data)
	})
}

func TestErrorResponses(t *testing.T) {
	t.Run("ServerErrorResponse carries the message", func(t *testing.T) {
		resp := ServerErrorResponse("Kaboom")

		assert.False(t, resp.OK())
		assert.Equal(t, StatusServerError, resp.Status)
		assert.Equal(t, "Kaboom", resp.Message())

		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"server_error","error_message":"Kaboom","data":{}}`, string(data))
	})

	t.Run("ClientErrorResponse uses the error text", func(t *testing.T) {
		resp := ClientErrorResponse(NewClientError("missing field %q", "id"))

		assert.Equal(t, StatusClientError, resp.Status)
		assert.Equal(t, `missing field "id"`, resp.Message())
	})

	t.Run("Err is nil for ok and typed otherwise", func(t *testing.T) {
		assert.NoError(t, NewResponse().Err())

		err := ServerErrorResponse("Kaboom").Err()
		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, StatusServerError, respErr.Status)
		assert.Equal(t, "server_error: Kaboom", err.Error())
	})
}

func TestClientError(t *testing.T) {
	t.Run("IsClientError sees through wrapping", func(t *testing.T) {
		err := fmt.Errorf("validate: %w", NewClientError("bad input"))

		assert.True(t, IsClientError(err))
		assert.False(t, IsClientError(errors.New("bad input")))
	})

	t.Run("wrapped cause is exposed", func(t *testing.T) {
		cause := errors.New("parse error")
		err := &ClientError{Err: cause}

		assert.Equal(t, "parse error", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusOK.Valid())
	assert.True(t, StatusClientError.Valid())
	assert.True(t, StatusServerError.Valid())
	assert.False(t, Status("").Valid())
	assert.False(t, Status("teapot").Valid())
}
