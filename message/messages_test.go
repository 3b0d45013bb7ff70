package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAny_UnmarshalValidates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		wantErr bool
		request bool
	}{
		{name: "request", in: `{"pattern":"sum","data":[1,2]}`, request: true},
		{name: "result", in: `{"result":3}`},
		{name: "error", in: `{"error":{"code":-32601,"message":"nope"}}`},
		{name: "request with result", in: `{"pattern":"sum","result":3}`, wantErr: true},
		{name: "both result and error", in: `{"result":3,"error":{"code":1,"message":"x"}}`, wantErr: true},
		{name: "empty", in: `{}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m Any
			err := json.Unmarshal([]byte(tc.in), &m)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m.IsRequest() != tc.request {
				t.Fatalf("IsRequest=%v want %v", m.IsRequest(), tc.request)
			}
		})
	}
}

func TestAny_ErrExposesRemoteError(t *testing.T) {
	t.Parallel()

	b, _ := json.Marshal(NewErrorResponse(ErrorCodePatternNotFound, "no such pattern", nil))
	var m Any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var remote *Error
	if !errors.As(m.Err(), &remote) || remote.Code != ErrorCodePatternNotFound {
		t.Fatalf("expected remote error, got %v", m.Err())
	}
	if m.AsResponse().Err() == nil {
		t.Fatalf("expected AsResponse to keep error")
	}
}
