// Package prayer fetches daily prayer times from an AlAdhan-compatible HTTP
// provider. It is a thin, best-effort client: missing or malformed clock
// fields are normalized away, and any transport or decode failure surfaces
// as a *ProviderError for the caller to isolate per location/day.
package prayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"namozbot/internal/timeutil"
)

const defaultBaseURL = "https://api.aladhan.com"

// ProviderError marks the prayer-time source as unavailable or malformed.
// The caller decides whether to abort or skip the affected location/day.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return "prayer provider: " + e.Op + ": " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Times holds the normalized clock strings for one (location, day).
// Empty string means the provider did not supply that field.
type Times struct {
	Fajr    string
	Sunrise string
	Dhuhr   string
	Asr     string
	Maghrib string
	Isha    string
	Imsak   string
}

// Result is one provider response: normalized times, the lunar calendar
// month number, and the raw payload retained for audit.
type Result struct {
	Times      Times
	HijriMonth int
	Raw        json.RawMessage
}

type Config struct {
	BaseURL string
	Method  int // calculation method id; 0 falls back to 3 (MWL)
	Timeout time.Duration
}

type Client struct {
	baseURL string
	method  int
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	method := cfg.Method
	if method <= 0 {
		method = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		method:  method,
		http:    &http.Client{Timeout: timeout},
	}
}

// aladhanResponse mirrors the subset of the timingsByCity payload we read.
type aladhanResponse struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

type aladhanData struct {
	Timings map[string]string `json:"timings"`
	Date    struct {
		Hijri struct {
			Month struct {
				Number int `json:"number"`
			} `json:"month"`
		} `json:"hijri"`
	} `json:"date"`
}

// FetchByCity requests the timings for one city and calendar day
// ("YYYY-MM-DD"). Fields the provider omits come back empty; a completely
// missing timings block is an error.
func (c *Client) FetchByCity(ctx context.Context, day, city, country string) (Result, error) {
	u := fmt.Sprintf("%s/v1/timingsByCity/%s?city=%s&country=%s&method=%d",
		c.baseURL,
		url.PathEscape(day),
		url.QueryEscape(city),
		url.QueryEscape(country),
		c.method,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, &ProviderError{Op: "request", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &ProviderError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Result{}, &ProviderError{Op: "fetch", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &ProviderError{Op: "read", Err: err}
	}

	var outer aladhanResponse
	if err := json.Unmarshal(body, &outer); err != nil {
		return Result{}, &ProviderError{Op: "decode", Err: err}
	}
	var data aladhanData
	if err := json.Unmarshal(outer.Data, &data); err != nil {
		return Result{}, &ProviderError{Op: "decode", Err: err}
	}
	if len(data.Timings) == 0 {
		return Result{}, &ProviderError{Op: "decode", Err: fmt.Errorf("no timings in response (code=%d)", outer.Code)}
	}

	res := Result{
		Times: Times{
			Fajr:    cleanClock(data.Timings["Fajr"]),
			Sunrise: cleanClock(data.Timings["Sunrise"]),
			Dhuhr:   cleanClock(data.Timings["Dhuhr"]),
			Asr:     cleanClock(data.Timings["Asr"]),
			Maghrib: cleanClock(data.Timings["Maghrib"]),
			Isha:    cleanClock(data.Timings["Isha"]),
			Imsak:   cleanClock(data.Timings["Imsak"]),
		},
		HijriMonth: data.Date.Hijri.Month.Number,
		Raw:        outer.Data,
	}
	return res, nil
}

// cleanClock normalizes a provider clock string to strict "HH:MM".
// AlAdhan sometimes appends a timezone suffix ("05:10 (+05)"); only the
// leading five characters matter. Anything unparseable becomes empty.
func cleanClock(v string) string {
	s := strings.TrimSpace(v)
	if len(s) < 5 {
		return ""
	}
	s = s[:5]
	if _, err := timeutil.ParseHHMM(s); err != nil {
		return ""
	}
	return s
}
