package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteFail(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteFail(rr, "senderId is required")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code=%d want=%d", rr.Code, http.StatusBadRequest)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != StatusFail || body["message"] != "senderId is required" {
		t.Fatalf("body=%v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type in struct {
		Mobile string `json:"mobile_number"`
	}

	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "ok", body: `{"mobile_number":"555"}`},
		{name: "unknown fields tolerated", body: `{"mobile_number":"555","x":1}`},
		{name: "empty", body: ``, wantErr: true},
		{name: "trailing data", body: `{"mobile_number":"1"}{}`, wantErr: true},
		{name: "syntax", body: `{"mobile_number":`, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst in
			err := DecodeJSON(httptest.NewRecorder(), r, 0, &dst)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeJSON_TooLarge(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	var dst map[string]string
	err := DecodeJSON(httptest.NewRecorder(), r, 16, &dst)
	var mbe *http.MaxBytesError
	if !errors.As(err, &mbe) {
		t.Fatalf("err=%v want MaxBytesError", err)
	}
}
