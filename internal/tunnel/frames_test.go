package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_TagsType(t *testing.T) {
	data, err := Encode(ForwardToTarget{FromUserID: "A", RequestID: "r1", Target: "example.com:443", Payload: []byte("GET")})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"FORWARD_TO_TARGET","fromUserId":"A","requestId":"r1","target":"example.com:443","payload":"R0VU"}`,
		string(data))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Frame
		wantErr error
	}{
		{
			name:  "identify",
			input: `{"type":"IDENTIFY","userId":"A","role":"client"}`,
			want:  Identify{UserID: "A", Role: RoleClient},
		},
		{
			name:  "forward with close",
			input: `{"type":"FORWARD","requestId":"r1","target":"h:80","close":true}`,
			want:  Forward{RequestID: "r1", Target: "h:80", Close: true},
		},
		{
			name:  "response",
			input: `{"type":"RESPONSE","toUserId":"A","requestId":"r1","payload":"aGk="}`,
			want:  Response{ToUserID: "A", RequestID: "r1", Payload: []byte("hi")},
		},
		{
			name:  "ping",
			input: `{"type":"PING"}`,
			want:  Ping{},
		},
		{
			name:  "relay lost",
			input: `{"type":"RELAY_LOST","requestId":"r1","message":"gone"}`,
			want:  RelayLost{RequestID: "r1", Message: "gone"},
		},
		{
			name:    "unknown type",
			input:   `{"type":"JEAN_DATA"}`,
			wantErr: ErrUnknownFrame,
		},
		{
			name:    "identify without user",
			input:   `{"type":"IDENTIFY"}`,
			wantErr: ErrInvalidFrame,
		},
		{
			name:    "response without destination",
			input:   `{"type":"RESPONSE","requestId":"r1"}`,
			wantErr: ErrInvalidFrame,
		},
		{
			name:    "not json",
			input:   `{type:`,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSkippable(t *testing.T) {
	_, err := Decode([]byte(`{"type":"NOPE"}`))
	assert.True(t, IsSkippable(err))

	_, err = Decode([]byte(`nope`))
	assert.False(t, IsSkippable(err))
}
