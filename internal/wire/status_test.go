package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailureOnRejectedReply(t *testing.T) {
	env := Envelope{Kind: KindReply, Sequence: 4, Name: OpSubscribeLevel1,
		Payload: []byte(`{"result":false,"errormsg":"Invalid Request","errorcode":100,"detail":"InstrumentId not found"}`)}
	status, failed := env.Failure()
	require.True(t, failed)
	require.Equal(t, 100, status.ErrorCode)
	require.Equal(t, "Invalid Request: InstrumentId not found", status.Message())
}

func TestFailureIgnoresRegularReplies(t *testing.T) {
	for _, payload := range []string{`{"Subscribed":true}`, `[[1,2,3]]`, `{"result":true}`} {
		_, failed := Envelope{Kind: KindReply, Payload: []byte(payload)}.Failure()
		require.False(t, failed, payload)
	}
	_, failed := Envelope{Kind: KindEvent, Payload: []byte(`{"result":false}`)}.Failure()
	require.False(t, failed)
}

func TestErrorKindIsAlwaysFailure(t *testing.T) {
	status, failed := Envelope{Kind: KindError, Payload: []byte(`"boom"`)}.Failure()
	require.True(t, failed)
	require.Equal(t, "request rejected", status.Message())
}
