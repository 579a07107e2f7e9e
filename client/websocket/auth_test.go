package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryptowatch/clock"
	"go.uber.org/zap"
)

func testAuthParams(location string) *Params {
	params := &Params{
		Token:     "sessiontoken",
		Signature: "sessionsignature",
		Location:  location,

		AuthRetryDelay: 1 * time.Millisecond,

		Clock:  clock.New(),
		Logger: zap.NewNop(),
	}

	return params
}

func TestAuthFetcherAnonymous(t *testing.T) {
	params := testAuthParams("http://invalid.localhost/")
	params.Token = ""

	a := newAuthFetcher(params)

	// No credentials: resolves immediately, without touching the network.
	select {
	case res := <-a.Start(context.Background()):
		if res.Token != UnauthorizedToken {
			t.Errorf("want %q, got %q", UnauthorizedToken, res.Token)
		}
		if res.Err != nil {
			t.Errorf("want no error, got %s", res.Err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Errorf("anonymous auth should resolve immediately")
	}
}

func TestAuthFetcherSuccess(t *testing.T) {
	var gotCookie string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprintf(w, `<html>{"auth_token":"the-real-token","other":1}</html>`)
	}))
	defer ts.Close()

	a := newAuthFetcher(testAuthParams(ts.URL))

	select {
	case res := <-a.Start(context.Background()):
		if res.Token != "the-real-token" {
			t.Errorf("want %q, got %q", "the-real-token", res.Token)
		}
		if res.Err != nil {
			t.Errorf("want no error, got %s", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("auth didn't resolve")
	}

	if want := "sessionid=sessiontoken;sessionid_sign=sessionsignature"; gotCookie != want {
		t.Errorf("cookie: want %q, got %q", want, gotCookie)
	}
}

func TestAuthFetcherRetry(t *testing.T) {
	var calls int32

	// First request fails, second succeeds.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"auth_token":"second-try"}`)
	}))
	defer ts.Close()

	a := newAuthFetcher(testAuthParams(ts.URL))

	select {
	case res := <-a.Start(context.Background()):
		if res.Token != "second-try" {
			t.Errorf("want %q, got %q", "second-try", res.Token)
		}
		if res.Err != nil {
			t.Errorf("want no error, got %s", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("auth didn't resolve")
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("want 2 requests, got %d", got)
	}
}

func TestAuthFetcherExhaustion(t *testing.T) {
	var calls int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	params := testAuthParams(ts.URL)
	params.AuthMaxAttempts = 3

	a := newAuthFetcher(params)

	// After all attempts fail the result degrades to the anonymous
	// sentinel, with the last failure attached.
	select {
	case res := <-a.Start(context.Background()):
		if res.Token != UnauthorizedToken {
			t.Errorf("want %q, got %q", UnauthorizedToken, res.Token)
		}
		if res.Err == nil {
			t.Errorf("want an error on exhaustion")
		}
	case <-time.After(2 * time.Second):
		t.Errorf("auth didn't resolve")
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("want 3 requests, got %d", got)
	}
}

func TestAuthFetcherNoTokenInBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html>nothing to see here</html>`)
	}))
	defer ts.Close()

	a := newAuthFetcher(testAuthParams(ts.URL))

	select {
	case res := <-a.Start(context.Background()):
		if res.Token != UnauthorizedToken {
			t.Errorf("want %q, got %q", UnauthorizedToken, res.Token)
		}
		if res.Err == nil {
			t.Errorf("want an error when the body has no token")
		}
	case <-time.After(2 * time.Second):
		t.Errorf("auth didn't resolve")
	}
}
