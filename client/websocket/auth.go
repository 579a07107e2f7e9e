package websocket

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"regexp"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	// UnauthorizedToken is the sentinel accepted by the server for
	// limited-access sessions when credentials are unavailable or the
	// exchange failed.
	UnauthorizedToken = "unauthorized_user_token"

	// DefaultAuthMaxAttempts and DefaultAuthRetryDelay tune the credential
	// exchange.
	DefaultAuthMaxAttempts = 2
	DefaultAuthRetryDelay  = 500 * time.Millisecond

	authHTTPTimeout = 15 * time.Second
)

// authTokenPattern extracts the auth token from the location response body.
var authTokenPattern = regexp.MustCompile(`"auth_token"\s*:\s*"([^"]+)"`)

// authResult is what an auth fetch resolves to. Token is always usable:
// on exhaustion it is UnauthorizedToken and Err holds the last failure so
// the caller can report it.
type authResult struct {
	Token string
	Err   error
}

// authFetcher exchanges stored credentials for an auth token. The fetch is
// started eagerly at client construction and before every reconnect, so
// its latency overlaps the TCP/TLS handshake.
type authFetcher struct {
	token      string
	signature  string
	location   string
	attempts   int
	retryDelay time.Duration

	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
}

func newAuthFetcher(params *Params) *authFetcher {
	attempts := params.AuthMaxAttempts
	if attempts == 0 {
		attempts = DefaultAuthMaxAttempts
	}

	retryDelay := params.AuthRetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultAuthRetryDelay
	}

	return &authFetcher{
		token:      params.Token,
		signature:  params.Signature,
		location:   params.Location,
		attempts:   attempts,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: authHTTPTimeout},
		clock:      params.Clock,
		logger:     params.Logger,
	}
}

// Start kicks off the exchange and returns a buffered channel which yields
// the result exactly once. Without credentials it resolves immediately to
// the unauthenticated sentinel.
func (a *authFetcher) Start(ctx context.Context) <-chan authResult {
	resultCh := make(chan authResult, 1)

	if a.token == "" {
		resultCh <- authResult{Token: UnauthorizedToken}
		return resultCh
	}

	go func() {
		var lastErr error

		for i := 0; i < a.attempts; i++ {
			if i > 0 {
				a.clock.Sleep(a.retryDelay)
			}

			token, err := a.fetchOnce(ctx)
			if err == nil {
				resultCh <- authResult{Token: token}
				return
			}

			lastErr = err
			a.logger.Debug("auth token fetch failed",
				zap.Int("attempt", i+1),
				zap.Error(err),
			)

			if ctx.Err() != nil {
				break
			}
		}

		resultCh <- authResult{
			Token: UnauthorizedToken,
			Err:   errors.Annotatef(lastErr, "fetching auth token"),
		}
	}()

	return resultCh
}

// fetchOnce issues a single GET against the location with the session
// cookies and scrapes the auth token from the body.
func (a *authFetcher) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequest("GET", a.location, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	req = req.WithContext(ctx)

	req.Header.Set("Origin", DefaultOrigin)
	req.Header.Set("Referer", DefaultOrigin+"/")
	req.Header.Set("Cookie", fmt.Sprintf("sessionid=%s;sessionid_sign=%s", a.token, a.signature))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("auth location returned status %d", resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Trace(err)
	}

	m := authTokenPattern.FindSubmatch(body)
	if m == nil {
		return "", errors.Errorf("no auth token in response from %s", a.location)
	}

	return string(m[1]), nil
}
