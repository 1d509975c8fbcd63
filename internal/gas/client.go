package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	logx "ethgasmeter/pkg/logx"
)

const DefaultBaseURL = "https://api.etherscan.io/api"

const maxBodyBytes = 1 << 20

// apiResponse is the envelope every Etherscan endpoint returns.
// Result is an object on success and a string message on failure.
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type gasOracleResult struct {
	ProposeGasPrice string `json:"ProposeGasPrice"`
}

type ethPriceResult struct {
	EthUSD string `json:"ethusd"`
}

// Client talks to the Etherscan REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        logx.Logger
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(log logx.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: tr},
		log:        logx.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch runs the gas oracle and spot price calls concurrently. Both must
// succeed; the first failure cancels the other call.
func (c *Client) Fetch(ctx context.Context) (Info, error) {
	var gasPrice, ethUSD int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.GasPrice(gctx)
		gasPrice = v
		return err
	})
	g.Go(func() error {
		v, err := c.EthUSD(gctx)
		ethUSD = v
		return err
	})
	if err := g.Wait(); err != nil {
		return Info{}, err
	}

	info := NewInfo(gasPrice, ethUSD, c.now())
	c.log.Debug("gas info fetched",
		logx.Int64("gas_price", info.GasPrice),
		logx.Int64("eth_usd", info.EthUSD),
		logx.Float64("gas_price_usd", info.GasPriceUSD),
	)
	return info, nil
}

// GasPrice returns the proposed gas price in gwei.
func (c *Client) GasPrice(ctx context.Context) (int64, error) {
	const action = "gasoracle"
	var res gasOracleResult
	if err := c.call(ctx, "gastracker", action, &res); err != nil {
		return 0, err
	}
	v, err := parseLeadingInt(res.ProposeGasPrice)
	if err != nil {
		return 0, &FetchError{Action: action, Err: fmt.Errorf("ProposeGasPrice: %w", err)}
	}
	return v, nil
}

// EthUSD returns the ETH spot price in whole USD.
func (c *Client) EthUSD(ctx context.Context) (int64, error) {
	const action = "ethprice"
	var res ethPriceResult
	if err := c.call(ctx, "stats", action, &res); err != nil {
		return 0, err
	}
	v, err := parseLeadingInt(res.EthUSD)
	if err != nil {
		return 0, &FetchError{Action: action, Err: fmt.Errorf("ethusd: %w", err)}
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, module, action string, out any) error {
	q := url.Values{}
	q.Set("module", module)
	q.Set("action", action)
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return &FetchError{Action: action, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &FetchError{Action: action, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &FetchError{Action: action, StatusCode: resp.StatusCode, Body: string(body), Err: ErrBadStatus}
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return &FetchError{Action: action, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("decode: %w", err)}
	}
	if env.Status != "1" {
		return &FetchError{Action: action, StatusCode: resp.StatusCode, Body: string(body), Err: ErrBadStatus}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &FetchError{Action: action, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// parseLeadingInt reads the integer prefix of a decimal string, so "31.7"
// yields 31. Etherscan reports both fields as strings. Prices are never
// negative; a signed value is rejected with ErrNegative.
func parseLeadingInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrNegative)
	}
	return v, nil
}
