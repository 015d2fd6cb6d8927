// Package envoy talks to the local API of an Enphase Envoy gateway.
//
// The documented local API is a single endpoint, /api/v1/production.
// The other endpoints used here are undocumented and may disappear with a
// firmware update. Per inverter production requires digest authentication
// as user "envoy" with the last 6 digits of the serial as password.
package envoy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
	"github.com/nergy-se/envoy/pkg/version"
)

const (
	ProductionPath = "/api/v1/production"
	InvertersPath  = "/api/v1/production/inverters"

	// DigestUser is the user for endpoints behind digest authentication.
	DigestUser = "envoy"
)

// InfoPaths are fetched by Info to describe the device and firmware.
var InfoPaths = []string{"/home.json", "/inventory.json", "/production.json", "/inv", "/info"}

// Production is the response of /api/v1/production.
type Production struct {
	WattHoursLifetime  *float64 `json:"wattHoursLifetime"`
	WattHoursToday     *float64 `json:"wattHoursToday"`
	WattHoursSevenDays *float64 `json:"wattHoursSevenDays"`
	WattsNow           *float64 `json:"wattsNow"`
}

// Inverter is one micro inverter from /api/v1/production/inverters.
type Inverter struct {
	SerialNumber    string  `json:"serialNumber"`
	LastReportDate  int64   `json:"lastReportDate"`
	DevType         int     `json:"devType"`
	LastReportWatts float64 `json:"lastReportWatts"`
	MaxReportWatts  float64 `json:"maxReportWatts"`
}

type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error fetching %s StatusCode: %d", e.URL, e.StatusCode)
}

type Client struct {
	baseURL  string
	timeout  time.Duration
	username string
	password string

	client       *http.Client
	digestClient *http.Client
}

type Option func(*Client)

// WithCredentials sets the digest credentials used for the inverters endpoint.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func New(host string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL(host),
		timeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.client = &http.Client{
		Transport: &userAgentTransport{transport: http.DefaultTransport},
		Timeout:   c.timeout,
	}
	c.digestClient = c.client
	if c.username != "" {
		c.digestClient = &http.Client{
			Transport: &digest.Transport{
				Username:  c.username,
				Password:  c.password,
				Transport: &userAgentTransport{transport: http.DefaultTransport},
			},
			Timeout: c.timeout,
		}
	}
	return c
}

func baseURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// URL is the production endpoint polled for loop data.
func (c *Client) URL() string {
	return c.baseURL + ProductionPath
}

func (c *Client) Production(ctx context.Context) (*Production, error) {
	p := &Production{}
	err := c.getJSON(ctx, c.client, ProductionPath, p)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) Inverters(ctx context.Context) ([]Inverter, error) {
	var inverters []Inverter
	err := c.getJSON(ctx, c.digestClient, InvertersPath, &inverters)
	if err != nil {
		return nil, err
	}
	return inverters, nil
}

// Info returns the raw bodies of InfoPaths separated by newline.
func (c *Client) Info(ctx context.Context) (string, error) {
	data := make([]string, 0, len(InfoPaths))
	for _, p := range InfoPaths {
		b, err := c.get(ctx, c.client, p)
		if err != nil {
			return "", err
		}
		data = append(data, string(b))
	}
	return strings.Join(data, "\n"), nil
}

func (c *Client) getJSON(ctx context.Context, hc *http.Client, path string, v interface{}) error {
	b, err := c.get(ctx, hc, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("error decoding %s: %w", c.baseURL+path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, hc *http.Client, path string) ([]byte, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", u, err)
	}
	return b, nil
}

type userAgentTransport struct {
	transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the request may be reused by the digest transport
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", version.UserAgent())
	return t.transport.RoundTrip(req)
}
