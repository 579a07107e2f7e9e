/*
Package rest provides a client for the TradingView REST endpoints: symbol
search, news, economic calendar, watchlists, price alerts, pine scripts and
technical analysis ratings. Endpoints that touch account data need the
sessionid/sessionid_sign cookie pair; the rest work anonymously.
*/
package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"tv-sdk-go/common"
)

const (
	DefaultRESTURL = "https://www.tradingview.com"

	searchURL     = "https://symbol-search.tradingview.com"
	newsURL       = "https://news-headlines.tradingview.com"
	calendarURL   = "https://economic-calendar.tradingview.com"
	alertsURL     = "https://alerts.tradingview.com"
	pineFacadeURL = "https://pine-facade.tradingview.com/pine-facade"
	scannerURL    = "https://scanner.tradingview.com"

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/87.0 Safari/537.36"

	httpTimeout = 30 * time.Second
)

// Rating is a technical analysis recommendation band.
type Rating string

const (
	RatingStrongBuy  Rating = "strong_buy"
	RatingBuy        Rating = "buy"
	RatingNeutral    Rating = "neutral"
	RatingSell       Rating = "sell"
	RatingStrongSell Rating = "strong_sell"
)

// ClassifyRating maps a raw recommendation value in [-1, 1] to its band.
func ClassifyRating(v float64) Rating {
	switch {
	case v >= 0.5:
		return RatingStrongBuy
	case v >= 0.1:
		return RatingBuy
	case v > -0.1:
		return RatingNeutral
	case v > -0.5:
		return RatingSell
	default:
		return RatingStrongSell
	}
}

type TVRESTClient struct {
	params     TVRESTClientParams
	httpClient *http.Client
}

type TVRESTClientParams struct {
	// APIURL is the API URL to use. If empty, production will be used
	// (DefaultRESTURL)
	APIURL string

	// Token and Signature are the sessionid and sessionid_sign cookies of a
	// logged-in account. Leave empty for anonymous access.
	Token     string
	Signature string

	// UserAgent overrides the browser-like default; some endpoints reject
	// the Go default agent.
	UserAgent string

	Logger *zap.Logger
}

type User struct {
	ID        int64
	Username  string
	AuthToken string
}

type SymbolSearchResult struct {
	Symbol       string `json:"symbol"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	Exchange     string `json:"exchange"`
	CurrencyCode string `json:"currency_code"`
	ProviderID   string `json:"provider_id"`
}

type NewsHeadline struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Provider  string `json:"provider"`
	Published int64  `json:"published"`
	Link      string `json:"link"`
	StoryPath string `json:"storyPath"`
}

type CalendarEvent struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Country   string   `json:"country"`
	Indicator string   `json:"indicator"`
	Period    string   `json:"period"`
	Currency  string   `json:"currency"`
	Date      string   `json:"date"`
	Actual    *float64 `json:"actual"`
	Forecast  *float64 `json:"forecast"`
	Previous  *float64 `json:"previous"`
}

type Watchlist struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Active  bool     `json:"active"`
	Symbols []string `json:"symbols"`
}

type Alert struct {
	ID          int64           `json:"alert_id"`
	Symbol      string          `json:"symbol"`
	Resolution  string          `json:"resolution"`
	Condition   json.RawMessage `json:"condition"`
	Expiration  string          `json:"expiration"`
	Active      bool            `json:"active"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
}

type PineIndicator struct {
	ID       string `json:"scriptIdPart"`
	Version  string `json:"version"`
	Name     string `json:"scriptName"`
	Access   int    `json:"access"`
	ImageURL string `json:"imageUrl"`
}

type PineInput struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Defval  interface{} `json:"defval"`
	Options interface{} `json:"options"`
}

type PineIndicatorDetail struct {
	Name   string
	Inputs []PineInput

	// ILTemplate is the compiled script blob to pass in create_study.
	ILTemplate string
}

type TechnicalAnalysis struct {
	Summary        float64
	Oscillators    float64
	MovingAverages float64

	SummaryRating        Rating
	OscillatorsRating    Rating
	MovingAveragesRating Rating
}

type newsServer struct {
	Items []NewsHeadline `json:"items"`
}

type calendarServer struct {
	Status string          `json:"status"`
	Result []CalendarEvent `json:"result"`
}

type alertsListServer struct {
	S string `json:"s"`
	R struct {
		Alerts []Alert `json:"alerts"`
	} `json:"r"`
}

type alertCreateServer struct {
	S string `json:"s"`
	R Alert  `json:"r"`
}

type alertsDeleteServer struct {
	S string `json:"s"`
}

type pineTranslateServer struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Result  struct {
		MetaInfo struct {
			Description string      `json:"description"`
			Inputs      []PineInput `json:"inputs"`
		} `json:"metaInfo"`
		ILTemplate string `json:"ilTemplate"`
	} `json:"result"`
}

var (
	authTokenPattern = regexp.MustCompile(`"auth_token"\s*:\s*"([^"]+)"`)
	usernamePattern  = regexp.MustCompile(`"username"\s*:\s*"([^"]+)"`)
	userIDPattern    = regexp.MustCompile(`"id"\s*:\s*([0-9]+)\s*,\s*"username"`)
)

func NewTVRESTClient(params *TVRESTClientParams) *TVRESTClient {
	if params == nil {
		params = &TVRESTClientParams{}
	}

	c := &TVRESTClient{
		params:     *params,
		httpClient: &http.Client{Timeout: httpTimeout},
	}

	if c.params.APIURL == "" {
		c.params.APIURL = DefaultRESTURL
	}
	if c.params.UserAgent == "" {
		c.params.UserAgent = defaultUserAgent
	}
	if c.params.Logger == nil {
		c.params.Logger = zap.NewNop()
	}

	return c
}

// GetUser fetches the account page and scrapes the logged-in user's id,
// username and auth token. It requires credentials; without them the
// scrape finds no user and an error is returned.
func (c *TVRESTClient) GetUser() (*User, error) {
	body, err := c.getRaw(c.params.APIURL + "/")
	if err != nil {
		return nil, errors.Trace(err)
	}

	token := authTokenPattern.FindSubmatch(body)
	if token == nil {
		return nil, errors.Errorf("no user data in response; wrong or expired credentials")
	}

	user := &User{AuthToken: string(token[1])}

	if m := usernamePattern.FindSubmatch(body); m != nil {
		user.Username = string(m[1])
	}
	if m := userIDPattern.FindSubmatch(body); m != nil {
		fmt.Sscanf(string(m[1]), "%d", &user.ID)
	}

	return user, nil
}

// SearchSymbols looks up symbols by free text; exchange and symbolType
// ("stock", "crypto", "forex", ...) are optional filters.
func (c *TVRESTClient) SearchSymbols(query, exchange, symbolType string) ([]SymbolSearchResult, error) {
	q := url.Values{}
	q.Set("text", query)
	if exchange != "" {
		q.Set("exchange", exchange)
	}
	if symbolType != "" {
		q.Set("type", symbolType)
	}

	var res []SymbolSearchResult
	if err := c.doGet(searchURL+"/symbol_search/?"+q.Encode(), &res); err != nil {
		return nil, errors.Trace(err)
	}

	return res, nil
}

// GetSymbolInfo resolves a single symbol to its metadata via an exact
// search.
func (c *TVRESTClient) GetSymbolInfo(symbol common.SymbolID) (common.SymbolInfo, error) {
	parts := strings.SplitN(string(symbol), ":", 2)

	exchange := ""
	text := string(symbol)
	if len(parts) == 2 {
		exchange = parts[0]
		text = parts[1]
	}

	results, err := c.SearchSymbols(text, exchange, "")
	if err != nil {
		return common.SymbolInfo{}, errors.Trace(err)
	}

	for _, r := range results {
		if r.Symbol == text {
			return common.SymbolInfo{
				ProName:      r.Exchange + ":" + r.Symbol,
				Description:  r.Description,
				Exchange:     r.Exchange,
				Type:         r.Type,
				CurrencyCode: r.CurrencyCode,
			}, nil
		}
	}

	return common.SymbolInfo{}, errors.Errorf("symbol %q not found", symbol)
}

// GetNews returns the latest headlines for a symbol.
func (c *TVRESTClient) GetNews(symbol common.SymbolID) ([]NewsHeadline, error) {
	q := url.Values{}
	q.Set("category", "base")
	q.Set("client", "web")
	q.Set("lang", "en")
	q.Set("symbol", string(symbol))

	res := newsServer{}
	if err := c.doGet(newsURL+"/v2/headlines?"+q.Encode(), &res); err != nil {
		return nil, errors.Trace(err)
	}

	return res.Items, nil
}

// GetCalendar returns economic calendar events in [from, to]; countries is
// an optional ISO code filter.
func (c *TVRESTClient) GetCalendar(from, to time.Time, countries []string) ([]CalendarEvent, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	if len(countries) > 0 {
		q.Set("countries", strings.Join(countries, ","))
	}

	res := calendarServer{}
	if err := c.doGet(calendarURL+"/events?"+q.Encode(), &res); err != nil {
		return nil, errors.Trace(err)
	}

	if res.Status != "ok" {
		return nil, errors.Errorf("calendar request failed: %s", res.Status)
	}

	return res.Result, nil
}

func (c *TVRESTClient) GetWatchlists() ([]Watchlist, error) {
	var res []Watchlist
	if err := c.doGet(c.params.APIURL+"/api/v1/symbols_list/", &res); err != nil {
		return nil, errors.Trace(err)
	}

	return res, nil
}

func (c *TVRESTClient) CreateWatchlist(name string, symbols []common.SymbolID) (*Watchlist, error) {
	syms := make([]string, len(symbols))
	for i, s := range symbols {
		syms[i] = string(s)
	}

	res := Watchlist{}
	err := c.do("POST", c.params.APIURL+"/api/v1/symbols_list/custom/", map[string]interface{}{
		"name":    name,
		"symbols": syms,
	}, &res)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &res, nil
}

func (c *TVRESTClient) DeleteWatchlist(id int64) error {
	url := fmt.Sprintf("%s/api/v1/symbols_list/custom/%d/", c.params.APIURL, id)
	return errors.Trace(c.do("DELETE", url, nil, nil))
}

func (c *TVRESTClient) GetAlerts() ([]Alert, error) {
	res := alertsListServer{}
	if err := c.do("POST", alertsURL+"/pricealerts/list_alerts", nil, &res); err != nil {
		return nil, errors.Trace(err)
	}

	if res.S != "ok" {
		return nil, errors.Errorf("listing alerts failed: %s", res.S)
	}

	return res.R.Alerts, nil
}

func (c *TVRESTClient) CreateAlert(alert Alert) (*Alert, error) {
	res := alertCreateServer{}
	err := c.do("POST", alertsURL+"/pricealerts/create_alert", map[string]interface{}{
		"payload": alert,
	}, &res)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if res.S != "ok" {
		return nil, errors.Errorf("creating alert failed: %s", res.S)
	}

	return &res.R, nil
}

func (c *TVRESTClient) DeleteAlerts(ids []int64) error {
	res := alertsDeleteServer{}
	err := c.do("POST", alertsURL+"/pricealerts/delete_alerts", map[string]interface{}{
		"payload": map[string]interface{}{"alert_ids": ids},
	}, &res)
	if err != nil {
		return errors.Trace(err)
	}

	if res.S != "ok" {
		return errors.Errorf("deleting alerts failed: %s", res.S)
	}

	return nil
}

// GetPineIndicators lists pine scripts; filter is one of the pine-facade
// filters, e.g. "standard" for built-ins or "saved" for the account's own
// scripts (the latter requires credentials).
func (c *TVRESTClient) GetPineIndicators(filter string) ([]PineIndicator, error) {
	if filter == "" {
		filter = "standard"
	}

	var res []PineIndicator
	if err := c.doGet(pineFacadeURL+"/list/?filter="+url.QueryEscape(filter), &res); err != nil {
		return nil, errors.Trace(err)
	}

	return res, nil
}

// GetPineIndicator translates a pine script into the form create_study
// needs: its input descriptors and compiled template.
func (c *TVRESTClient) GetPineIndicator(id, version string) (*PineIndicatorDetail, error) {
	u := fmt.Sprintf("%s/translate/%s/%s", pineFacadeURL, url.PathEscape(id), url.PathEscape(version))

	res := pineTranslateServer{}
	if err := c.doGet(u, &res); err != nil {
		return nil, errors.Trace(err)
	}

	if !res.Success {
		return nil, errors.Errorf("translating pine script %s: %s", id, res.Reason)
	}

	return &PineIndicatorDetail{
		Name:       res.Result.MetaInfo.Description,
		Inputs:     res.Result.MetaInfo.Inputs,
		ILTemplate: res.Result.ILTemplate,
	}, nil
}

// DeletePineVersion removes one version of an own pine script. The back
// end has shipped this under more than one path, so both known shapes are
// probed and the first success wins.
func (c *TVRESTClient) DeletePineVersion(id, version string) error {
	candidates := []string{
		fmt.Sprintf("%s/delete/%s?version=%s", pineFacadeURL, url.PathEscape(id), url.QueryEscape(version)),
		fmt.Sprintf("%s/script/%s/delete?version=%s", pineFacadeURL, url.PathEscape(id), url.QueryEscape(version)),
	}

	var lastErr error
	for _, u := range candidates {
		if err := c.do("POST", u, nil, nil); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return errors.Annotatef(lastErr, "deleting pine script %s version %s", id, version)
}

// GetTechnicalAnalysis returns the summary, oscillators and moving
// averages recommendation values for a symbol at the given timeframe,
// along with their bands.
func (c *TVRESTClient) GetTechnicalAnalysis(
	symbol common.SymbolID, tf common.Timeframe,
) (*TechnicalAnalysis, error) {
	// Daily is the scanner default; weekly and monthly use the 1W/1M
	// interval names.
	suffix := ""
	switch tf {
	case "", common.Timeframe1D:
	case common.Timeframe1W:
		suffix = "|1W"
	case common.Timeframe1M:
		suffix = "|1M"
	default:
		suffix = "|" + string(tf)
	}

	fields := []string{
		"Recommend.All" + suffix,
		"Recommend.Other" + suffix,
		"Recommend.MA" + suffix,
	}

	q := url.Values{}
	q.Set("symbol", string(symbol))
	q.Set("fields", strings.Join(fields, ","))
	q.Set("no_404", "true")

	res := map[string]float64{}
	if err := c.doGet(scannerURL+"/symbol?"+q.Encode(), &res); err != nil {
		return nil, errors.Trace(err)
	}

	ta := &TechnicalAnalysis{
		Summary:        res["Recommend.All"+suffix],
		Oscillators:    res["Recommend.Other"+suffix],
		MovingAverages: res["Recommend.MA"+suffix],
	}
	ta.SummaryRating = ClassifyRating(ta.Summary)
	ta.OscillatorsRating = ClassifyRating(ta.Oscillators)
	ta.MovingAveragesRating = ClassifyRating(ta.MovingAverages)

	return ta, nil
}

// do issues one request with the common headers (and the session cookies,
// when configured), and decodes the JSON response into out if out is not
// nil.
func (c *TVRESTClient) do(method, u string, body interface{}, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return errors.Trace(err)
	}

	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("%s %s returned status %d", method, u, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (c *TVRESTClient) doGet(u string, out interface{}) error {
	return c.do("GET", u, nil, out)
}

// getRaw fetches a URL with the common headers and returns the raw body;
// used for the scraping endpoints.
func (c *TVRESTClient) getRaw(u string) ([]byte, error) {
	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GET %s returned status %d", u, resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return body, nil
}

func (c *TVRESTClient) setHeaders(req *http.Request) {
	req.Header.Set("Origin", DefaultRESTURL)
	req.Header.Set("Referer", DefaultRESTURL+"/")
	req.Header.Set("User-Agent", c.params.UserAgent)

	if c.params.Token != "" {
		req.Header.Set("Cookie",
			fmt.Sprintf("sessionid=%s;sessionid_sign=%s", c.params.Token, c.params.Signature))
	}
}
