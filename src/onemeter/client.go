package onemeter

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production OneMeter Cloud API endpoint.
const DefaultBaseURL = "https://cloud.onemeter.com/api/"

const (
	callTimeout    = 30 * time.Second
	retryAttempts  = 3
	retryBaseDelay = 2 * time.Second
)

// Client talks to the OneMeter Cloud REST API. One client per API key;
// device IDs are passed per call so a single client serves every device
// on the account.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a client for the production API.
func NewClient(apiKey string) *Client {
	return NewClientWithBaseURL(apiKey, DefaultBaseURL)
}

// NewClientWithBaseURL returns a client against a custom endpoint, used
// for self-hosted proxies and tests.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: callTimeout},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay returns the wait before the next attempt. The jitter is
// additive only, so delays are strictly increasing across attempts.
func retryDelay(attempt int) time.Duration {
	base := retryBaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}

// DeviceSnapshot fetches devices/{id} and parses it into a Snapshot.
func (c *Client) DeviceSnapshot(ctx context.Context, deviceID string) (*Snapshot, error) {
	endpoint := "devices/" + url.PathEscape(deviceID)
	body, err := c.get(ctx, endpoint, nil, true)
	if err != nil {
		return nil, err
	}
	snap, err := parseSnapshot(deviceID, body, time.Now())
	if err != nil {
		return nil, &MalformedResponseError{Endpoint: endpoint, Err: err}
	}
	return snap, nil
}

// Readings fetches the most recent reading for the given OBIS codes,
// used to backfill codes the device snapshot did not carry.
func (c *Client) Readings(ctx context.Context, deviceID string, obisCodes []string) (map[string]any, error) {
	endpoint := "devices/" + url.PathEscape(deviceID) + "/readings"
	params := url.Values{}
	params.Set("obis", strings.Join(obisCodes, ","))
	params.Set("count", strconv.Itoa(1))

	body, err := c.get(ctx, endpoint, params, true)
	if err != nil {
		return nil, err
	}
	values, err := parseReadings(body)
	if err != nil {
		return nil, &MalformedResponseError{Endpoint: endpoint, Err: err}
	}
	return values, nil
}

// Devices lists the account's devices. Used only during setup for
// credential validation and device discovery, so it makes a single
// attempt without retries.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	body, err := c.get(ctx, "devices/", nil, false)
	if err != nil {
		return nil, err
	}
	devices, err := parseDevices(body)
	if err != nil {
		return nil, &MalformedResponseError{Endpoint: "devices/", Err: err}
	}
	return devices, nil
}

// get performs an authenticated GET. When retry is set, transient
// failures are reattempted up to retryAttempts times with exponential
// backoff; auth, rate-limit and malformed-body failures short-circuit.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, retry bool) ([]byte, error) {
	target := c.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	attempts := 1
	if retry {
		attempts = retryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, err := c.doOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		if err := c.sleep(ctx, retryDelay(attempt)); err != nil {
			return nil, err
		}
	}
	if attempts > 1 {
		return nil, fmt.Errorf("onemeter: %s failed after %d attempts: %w", endpoint, attempts, lastErr)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("onemeter: unable to create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure, counts as transient.
		return nil, fmt.Errorf("onemeter: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("onemeter: unable to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: trimBody(body)}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: trimBody(body)}
	}
}

// trimBody keeps error messages readable when the API returns HTML pages.
func trimBody(body []byte) string {
	const maxLen = 200
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
