package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/method", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestParseRequestBearer(t *testing.T) {
	r := newRequest(t, map[string]string{"Authorization": "Bearer abc.def.ghi"})
	az, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if az.Scheme != SchemeBearer || az.Token != "abc.def.ghi" {
		t.Fatalf("got %+v", az)
	}
}

func TestParseRequestBasic(t *testing.T) {
	cred := base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	r := newRequest(t, map[string]string{"Authorization": "Basic " + cred})
	az, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if az.Scheme != SchemeBasic || az.Source != SourceHeader {
		t.Fatalf("got %+v", az)
	}
	if az.Identity != "alice" || az.Secret != "s3cret" {
		t.Fatalf("pair not preserved: %+v", az)
	}
}

func TestParseRequestSessionPair(t *testing.T) {
	r := newRequest(t, map[string]string{"Session": "sess-1", "Secret": "top"})
	az, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if az.Scheme != SchemeBasic || az.Source != SourceSession {
		t.Fatalf("got %+v", az)
	}
}

func TestParseRequestOneSidedPair(t *testing.T) {
	r := newRequest(t, map[string]string{"Session": "sess-1"})
	if _, err := ParseRequest(r); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("want ErrMalformedCredential, got %v", err)
	}
}

func TestParseRequestNoCredential(t *testing.T) {
	az, err := ParseRequest(newRequest(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !az.IsZero() {
		t.Fatalf("want zero authorization, got %+v", az)
	}
}

func TestParseRequestMalformedHeader(t *testing.T) {
	for _, header := range []string{"Bearer", "Bearer ", "Digest abc", "Basic %%%"} {
		r := newRequest(t, map[string]string{"Authorization": header})
		if _, err := ParseRequest(r); !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("header %q: want ErrMalformedCredential, got %v", header, err)
		}
	}
}

func TestSessionValueCookieFallback(t *testing.T) {
	r := newRequest(t, nil)
	r.AddCookie(&http.Cookie{Name: CookieSID, Value: "cookie-session"})
	if got := SessionValue(r); got != "cookie-session" {
		t.Fatalf("got %q", got)
	}

	r.Header.Set("Session", "header-session")
	if got := SessionValue(r); got != "header-session" {
		t.Fatalf("header should win, got %q", got)
	}
}
