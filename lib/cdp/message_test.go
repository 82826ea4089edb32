package cdp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	m, err := Decode([]byte(`{"id":7,"method":"Network.getCookies","params":{"urls":[]},"sessionId":"S1"}`))
	require.NoError(t, err)
	require.True(t, m.IsCommand())
	require.EqualValues(t, 7, m.ID)
	require.Equal(t, "Network.getCookies", m.Method)
	require.Equal(t, "S1", m.SessionID)
	require.NoError(t, ValidateCommand(m))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{"id":`},
		{"array frame", `[1,2,3]`},
		{"string id", `{"id":"7","method":"Page.enable"}`},
		{"fractional id", `{"id":1.5,"method":"Page.enable"}`},
		{"object method", `{"id":1,"method":{}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	testCases := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"valid", `{"id":1,"method":"Page.enable"}`, false},
		{"zero id", `{"id":0,"method":"Page.enable"}`, true},
		{"negative id", `{"id":-4,"method":"Page.enable"}`, true},
		{"no dot", `{"id":1,"method":"enable"}`, true},
		{"empty domain", `{"id":1,"method":".enable"}`, true},
		{"empty name", `{"id":1,"method":"Page."}`, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			err = ValidateCommand(m)
			if tc.wantErr {
				var cdpErr *Error
				require.ErrorAs(t, err, &cdpErr)
				require.EqualValues(t, CodeInvalidRequest, cdpErr.Code)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncodePreservesUnknownFields(t *testing.T) {
	in := `{"id":3,"method":"Page.navigate","params":{"url":"https://example.com/"},"experimentalHint":true,"traceContext":{"spanId":"abc"}}`
	m, err := Decode([]byte(in))
	require.NoError(t, err)

	// Rewrite the id the way the router does on forward.
	m.ID = 41
	out := m.Encode()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	require.JSONEq(t, `41`, string(fields["id"]))
	require.JSONEq(t, `true`, string(fields["experimentalHint"]))
	require.JSONEq(t, `{"spanId":"abc"}`, string(fields["traceContext"]))
	require.JSONEq(t, `{"url":"https://example.com/"}`, string(fields["params"]))
}

func TestResponseRoundTrip(t *testing.T) {
	resp := NewResult(9, map[string]any{"cookies": []string{}}, "S1")
	m, err := Decode(resp.Encode())
	require.NoError(t, err)
	require.True(t, m.IsResponse())
	require.EqualValues(t, 9, m.ID)
	require.Equal(t, "S1", m.SessionID)

	errResp := NewError(10, CodeMethodNotFound, "'Browser.close' wasn't found")
	m, err = Decode(errResp.Encode())
	require.NoError(t, err)
	require.NotNil(t, m.Error)
	require.EqualValues(t, CodeMethodNotFound, m.Error.Code)
}

func TestEventShape(t *testing.T) {
	evt := NewEvent("Target.attachedToTarget", map[string]any{"sessionId": "S1"}, "")
	m, err := Decode(evt.Encode())
	require.NoError(t, err)
	require.True(t, m.IsEvent())
	require.False(t, m.IsResponse())
}
