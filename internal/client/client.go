// Package client fetches 5-day / 3-hour forecasts from OpenWeatherMap.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/umbrella-service/internal/models"
	"github.com/kjstillabower/umbrella-service/internal/observability"
)

// ForecastSource returns the forecast for a city name. Implementations report every
// failure inside the Result and never panic.
type ForecastSource interface {
	GetForecastByCityName(ctx context.Context, city string) Result
}

// Sentinel kinds carried by Failure; match them with errors.Is.
var (
	ErrInvalidAppID      = errors.New("invalid app id")
	ErrCityNotFound      = errors.New("city not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrTransport         = errors.New("transport failure")
	ErrMalformedResponse = errors.New("malformed response")
)

// DefaultBaseURL is the OpenWeatherMap 2.5 API root.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 4 << 20

// Result is either a Forecast or a Failure, never both.
type Result struct {
	Forecast *models.Forecast
	Failure  *Failure
}

// OK reports whether the result carries a forecast.
func (r Result) OK() bool {
	return r.Failure == nil && r.Forecast != nil
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure != nil {
		return r.Failure
	}
	if r.Forecast == nil {
		return fmt.Errorf("%w: empty result", ErrMalformedResponse)
	}
	return nil
}

// Failure describes a forecast lookup that did not produce data.
// StatusCode is 0 when the provider was never reached. Code and Message echo the
// provider's error body when it sent one. Kind is one of the package sentinels.
type Failure struct {
	StatusCode int
	Code       string
	Message    string
	Kind       error
	Cause      error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("openweather: ")
	if f.StatusCode > 0 {
		fmt.Fprintf(&b, "HTTP %d: ", f.StatusCode)
	}
	switch {
	case f.Message != "":
		b.WriteString(f.Message)
	case f.Cause != nil:
		b.WriteString(f.kind().Error())
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	default:
		b.WriteString(f.kind().Error())
	}
	return b.String()
}

// Unwrap exposes both the sentinel kind and the underlying cause to errors.Is.
func (f *Failure) Unwrap() []error {
	errs := []error{f.kind()}
	if f.Cause != nil {
		errs = append(errs, f.Cause)
	}
	return errs
}

func (f *Failure) kind() error {
	if f.Kind == nil {
		return ErrUpstreamFailure
	}
	return f.Kind
}

// OpenWeatherClient calls the OpenWeatherMap forecast endpoint. Safe for concurrent use.
type OpenWeatherClient struct {
	appID     string
	baseURL   string
	timeout   time.Duration
	userAgent string
	client    *http.Client
}

// NewOpenWeatherClient creates a client for baseURL (DefaultBaseURL when empty).
// A zero timeout leaves requests bounded only by the caller's context.
func NewOpenWeatherClient(appID, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("%w: app id is required", ErrInvalidAppID)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	return &OpenWeatherClient{
		appID:     appID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		userAgent: observability.ServiceName,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type forecastResponse struct {
	Cod     providerValue `json:"cod"`
	Message providerValue `json:"message"`
	List    *[]struct {
		DT   int64 `json:"dt"`
		Main struct {
			Humidity float64 `json:"humidity"`
		} `json:"main"`
	} `json:"list"`
	City struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
}

// providerValue accepts a JSON string or number; the provider sends cod and message as either.
type providerValue string

func (v *providerValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = providerValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = providerValue(n.String())
	return nil
}

// GetForecastByCityName fetches the forecast for city. It makes exactly one request.
func (c *OpenWeatherClient) GetForecastByCityName(ctx context.Context, city string) Result {
	start := time.Now()

	res := c.fetch(ctx, city)

	status := "success"
	if res.Failure != nil {
		status = statusLabel(res.Failure.StatusCode)
		if status == "success" {
			status = "malformed"
		}
		observability.ForecastAPIFailuresTotal.WithLabelValues(string(CategorizeError(res.Failure))).Inc()
	}
	observability.ForecastAPICallsTotal.WithLabelValues(status).Inc()
	observability.ForecastAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return res
}

func (c *OpenWeatherClient) fetch(ctx context.Context, city string) Result {
	req, err := c.buildRequest(ctx, city)
	if err != nil {
		return Result{Failure: &Failure{Kind: ErrTransport, Cause: err}}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Failure: &Failure{Kind: ErrTransport, Cause: redactURLError(err)}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{Failure: &Failure{StatusCode: resp.StatusCode, Kind: ErrTransport, Cause: fmt.Errorf("read response body: %w", err)}}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Failure: errorResponse(resp.StatusCode, body)}
	}

	var apiResp forecastResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{Failure: &Failure{StatusCode: resp.StatusCode, Kind: ErrMalformedResponse, Cause: fmt.Errorf("parse response: %w", err)}}
	}
	if apiResp.List == nil {
		return Result{Failure: &Failure{
			StatusCode: resp.StatusCode,
			Code:       string(apiResp.Cod),
			Kind:       ErrMalformedResponse,
			Cause:      errors.New("response has no list"),
		}}
	}

	return Result{Forecast: mapResponse(apiResp)}
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/forecast")
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.appID)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", redactURLError(err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// redactURLError strips the app id from the URL that net/http puts in its errors.
// Failure text reaches logs and HTTP responses, so it must never carry the credential.
func redactURLError(err error) error {
	ue, ok := err.(*url.Error)
	if !ok {
		return err
	}
	return &url.Error{Op: ue.Op, URL: redactAppID(ue.URL), Err: ue.Err}
}

func redactAppID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		base, _, _ := strings.Cut(raw, "?")
		return base
	}
	q := u.Query()
	if q.Has("appid") {
		q.Set("appid", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// errorResponse maps a non-2xx response to a Failure, keeping the provider's cod and
// message when the body carries them.
func errorResponse(statusCode int, body []byte) *Failure {
	f := &Failure{StatusCode: statusCode}

	var apiResp forecastResponse
	if err := json.Unmarshal(body, &apiResp); err == nil {
		f.Code = string(apiResp.Cod)
		f.Message = string(apiResp.Message)
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		f.Kind = ErrInvalidAppID
	case statusCode == http.StatusNotFound:
		f.Kind = ErrCityNotFound
	case statusCode == http.StatusTooManyRequests:
		f.Kind = ErrRateLimited
	default:
		f.Kind = ErrUpstreamFailure
	}
	return f
}

func mapResponse(apiResp forecastResponse) *models.Forecast {
	entries := make([]models.ForecastEntry, 0, len(*apiResp.List))
	for _, item := range *apiResp.List {
		entries = append(entries, models.ForecastEntry{
			DT:       item.DT,
			Humidity: item.Main.Humidity,
		})
	}
	return &models.Forecast{
		City: models.City{
			Name:     apiResp.City.Name,
			Country:  apiResp.City.Country,
			Timezone: apiResp.City.Timezone,
		},
		Entries:   entries,
		FetchedAt: time.Now(),
	}
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAppID makes one forecast request for city and reports whether the provider
// accepted the app id. Any answer other than 401 counts as accepted.
func (c *OpenWeatherClient) ValidateAppID(ctx context.Context, city string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res := c.fetch(ctx, city)
	if res.Failure == nil {
		return nil
	}
	if errors.Is(res.Failure, ErrInvalidAppID) {
		return fmt.Errorf("%w: app id is invalid or not activated", ErrInvalidAppID)
	}
	if errors.Is(res.Failure, ErrTransport) {
		return fmt.Errorf("validation request failed: %w", res.Failure)
	}
	return nil
}
