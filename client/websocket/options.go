package websocket

import (
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/cryptowatch/clock"
	"go.uber.org/zap"

	"tv-sdk-go/client/websocket/internal"
)

const (
	// DefaultOrigin is the Origin header value the back end requires, and
	// the default credential location.
	DefaultOrigin = "https://www.tradingview.com"

	// DefaultServer is the websocket endpoint used when Params.Server is
	// empty.
	DefaultServer = "data"

	// ServerHistoryData is the deep-backtest endpoint; it requires
	// Params.ChartID.
	ServerHistoryData = "history-data"
)

// Params contains options for opening a client connection. Only Token and
// Signature are usually needed; everything else has sensible defaults.
// Tuning values that are out of range are clamped or replaced by their
// defaults and logged, never rejected.
type Params struct {
	// Token and Signature are the stored session credentials (the sessionid
	// and sessionid_sign cookies). Leave both empty for anonymous,
	// limited-access sessions.
	Token     string
	Signature string

	// Location is the URL the auth token is fetched from; defaults to
	// DefaultOrigin.
	Location string

	// Server selects the endpoint: "data" (default), "prodata",
	// "widgetdata" or "history-data".
	Server string

	// ChartID is required when Server is "history-data".
	ChartID string

	// URL overrides the whole endpoint URL; mostly for tests.
	URL string

	// DisableCompression turns off permessage-deflate negotiation.
	DisableCompression bool

	// ConnectTimeout forces the reconnect path when no open happens within
	// the window. Defaults to 15s, minimum 1s.
	ConnectTimeout time.Duration

	// AuthMaxAttempts and AuthRetryDelay tune the credential exchange;
	// defaults 2 and 500ms.
	AuthMaxAttempts int
	AuthRetryDelay  time.Duration

	// ReconnectOpts contains settings for how to reconnect if the client
	// becomes disconnected. Sensible defaults are used.
	ReconnectOpts *ReconnectOpts

	// DisableRehydrate skips re-running rehydrate hooks after a reconnect;
	// sessions then stay dead server-side until recreated by the caller.
	DisableRehydrate bool

	// StrictProtocol promotes decoder errors from skip-and-report to
	// connection-fatal.
	StrictProtocol bool

	// Debug enables debug logging; when Logger is nil a development zap
	// logger is installed.
	Debug  bool
	Logger *zap.Logger

	// Clock, if not nil, replaces the real clock. Tests use it.
	Clock clock.Clock
}

// ReconnectOpts are settings used to reconnect after being disconnected. By
// default the client reconnects with a fast first retry of 250ms, then
// exponential backoff from 500ms doubling up to 30 seconds, jittered, for
// at most 10 attempts.
type ReconnectOpts struct {
	// Reconnect switch: if false, the client stays disconnected after the
	// connection is lost.
	Reconnect bool

	// MaxRetries caps consecutive failed attempts; default 10.
	MaxRetries int

	// BaseDelay, Multiplier and MaxDelay drive the exponential schedule:
	// attempt k waits min(MaxDelay, BaseDelay*Multiplier^k). Defaults
	// 500ms, 2 and 30s.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// FastFirstDelay replaces the attempt-0 delay; most initial failures
	// are transient and succeed within 250ms, so the default is 250ms. Set
	// negative to disable.
	FastFirstDelay time.Duration

	// DisableJitter turns off the random [1.0, 1.3) delay factor.
	DisableJitter bool
}

var defaultReconnectOpts = &ReconnectOpts{
	Reconnect:      true,
	MaxRetries:     internal.DefaultMaxReconnects,
	BaseDelay:      internal.DefaultBackoffBase,
	Multiplier:     internal.DefaultBackoffMultiplier,
	MaxDelay:       internal.DefaultBackoffMax,
	FastFirstDelay: internal.DefaultBackoffFastFirst,
}

// normalize fills in defaults and clamps out-of-range values in place,
// logging every correction. It never fails: a Params value is always
// usable afterwards.
func (p *Params) normalize() {
	if p.Logger == nil {
		if p.Debug {
			logger, err := zap.NewDevelopment()
			if err == nil {
				p.Logger = logger
			}
		}
		if p.Logger == nil {
			p.Logger = zap.NewNop()
		}
	}

	if p.Location == "" {
		p.Location = DefaultOrigin
	}

	if p.Server == "" {
		p.Server = DefaultServer
	}

	if p.ConnectTimeout < 0 {
		p.Logger.Warn("negative ConnectTimeout, using default")
		p.ConnectTimeout = 0
	}

	if p.AuthMaxAttempts < 0 {
		p.Logger.Warn("negative AuthMaxAttempts, using default")
		p.AuthMaxAttempts = 0
	}

	if p.AuthRetryDelay < 0 {
		p.Logger.Warn("negative AuthRetryDelay, using default")
		p.AuthRetryDelay = 0
	}

	if p.ReconnectOpts == nil {
		p.ReconnectOpts = defaultReconnectOpts
	} else {
		// Copy so that clamping doesn't mutate the caller's struct
		optsCopy := *p.ReconnectOpts
		opts := &optsCopy

		if opts.MaxRetries <= 0 {
			opts.MaxRetries = defaultReconnectOpts.MaxRetries
		}
		if opts.BaseDelay <= 0 {
			opts.BaseDelay = defaultReconnectOpts.BaseDelay
		}
		if opts.MaxDelay <= 0 {
			opts.MaxDelay = defaultReconnectOpts.MaxDelay
		}
		if opts.Multiplier <= 0 || math.IsNaN(opts.Multiplier) || math.IsInf(opts.Multiplier, 0) {
			if opts.Multiplier != 0 {
				p.Logger.Warn("bad reconnect multiplier, using default",
					zap.Float64("multiplier", opts.Multiplier))
			}
			opts.Multiplier = defaultReconnectOpts.Multiplier
		}
		if opts.FastFirstDelay == 0 {
			opts.FastFirstDelay = defaultReconnectOpts.FastFirstDelay
		} else if opts.FastFirstDelay < 0 {
			opts.FastFirstDelay = 0
		}

		p.ReconnectOpts = opts
	}

	if p.Clock == nil {
		p.Clock = clock.New()
	}
}

// endpointURL builds the websocket URL for the selected server. For the
// history-data endpoint the chart id, the current timestamp and the stored
// credential are carried as query parameters.
func (p *Params) endpointURL() string {
	if p.URL != "" {
		return p.URL
	}

	base := fmt.Sprintf("wss://%s.tradingview.com/socket.io/websocket?type=chart", p.Server)

	if p.Server == ServerHistoryData {
		q := url.Values{}
		q.Set("from", fmt.Sprintf("chart/%s/", p.ChartID))
		q.Set("date", time.Now().UTC().Format("2006_01_02-15_04"))
		q.Set("auth", p.Token)
		base += "&" + q.Encode()
	}

	return base
}
