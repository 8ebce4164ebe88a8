package wire

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestEncodeDoubleEncodesPayload(t *testing.T) {
	data, err := Encode(KindRequest, 7, OpSubscribeLevel2, map[string]any{"OMSId": 1, "InstrumentId": 8, "Depth": 10})
	require.NoError(t, err)

	var outer map[string]any
	require.NoError(t, json.Unmarshal(data, &outer))
	require.EqualValues(t, 0, outer["m"])
	require.EqualValues(t, 7, outer["i"])
	require.Equal(t, "SubscribeLevel2", outer["n"])

	inner, ok := outer["o"].(string)
	require.True(t, ok, "payload must travel as a JSON string")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(inner), &payload))
	require.EqualValues(t, 8, payload["InstrumentId"])
	require.EqualValues(t, 10, payload["Depth"])
}

func TestEncodeNilPayloadIsEmptyObject(t *testing.T) {
	data, err := Encode(KindRequest, 1, OpPing, nil)
	require.NoError(t, err)
	env, ok := Decode(data)
	require.True(t, ok)
	require.JSONEq(t, `{}`, string(env.Payload))
}

func TestDecodeParsesEmbeddedPayload(t *testing.T) {
	raw := []byte(`{"m":3,"i":2,"n":"Level2UpdateEvent","o":"[[2,1,1608208308265,0,20782.49,1,25000,8,1,1]]"}`)
	env, ok := Decode(raw)
	require.True(t, ok)
	require.Equal(t, KindEvent, env.Kind)
	require.EqualValues(t, 2, env.Sequence)
	require.Equal(t, OpLevel2UpdateEvent, env.Name)

	var rows [][]json.Number
	require.NoError(t, env.Unmarshal(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, json.Number("25000"), rows[0][6])
}

func TestDecodeDropsUnactionableFrames(t *testing.T) {
	cases := map[string]string{
		"malformed outer": `{"m":1,"i":`,
		"missing payload": `{"m":1,"i":1,"n":"Ping"}`,
		"null payload":    `{"m":1,"i":1,"n":"Ping","o":null}`,
		"empty string":    `{"m":1,"i":1,"n":"Ping","o":""}`,
		"broken inner":    `{"m":1,"i":1,"n":"Ping","o":"{not json"}`,
		"not an object":   `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := Decode([]byte(raw))
			require.False(t, ok)
		})
	}
}

func TestEncodeEnvelopeRoundTripsPayload(t *testing.T) {
	env := Envelope{Kind: KindReply, Sequence: 9, Name: OpSubscribeAccountEvents, Payload: json.RawMessage(`{"Subscribed":true}`)}
	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, ok := Decode(data)
	require.True(t, ok)
	require.Equal(t, env.Kind, decoded.Kind)
	require.Equal(t, env.Sequence, decoded.Sequence)
	require.Equal(t, env.Name, decoded.Name)
	require.JSONEq(t, `{"Subscribed":true}`, string(decoded.Payload))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "event", KindEvent.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}
