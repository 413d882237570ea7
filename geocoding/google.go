package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/resilience"
)

const (
	statusOK             = "OK"
	statusZeroResults    = "ZERO_RESULTS"
	statusOverQueryLimit = "OVER_QUERY_LIMIT"
	statusUnknownError   = "UNKNOWN_ERROR"
)

// HTTPStatusError is a non-2xx response from the Maps API.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("maps %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("maps %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// apiStatusError is a 200 response whose payload status is not OK.
type apiStatusError struct {
	Status  string
	Message string
}

func (e *apiStatusError) Error() string {
	if e.Message == "" {
		return "maps api status " + e.Status
	}
	return "maps api status " + e.Status + ": " + e.Message
}

type GoogleOptions struct {
	APIKey        string
	BaseURL       string // e.g. https://maps.googleapis.com/maps/api
	Timeout       time.Duration
	RatePerSecond float64
	Policy        resilience.Policy
	Logger        *zap.Logger
	Metrics       *metrics.Pipeline // counts every request sent, retries included
	HTTPClient    *http.Client
	// Now supplies the timestamp sent with timezone requests.
	Now func() time.Time
}

// GoogleClient calls the Google Maps Geocoding and Time Zone APIs.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	exec       *resilience.Executor
	metrics    *metrics.Pipeline
	log        *zap.Logger
	now        func() time.Time
}

func NewGoogleClient(opts GoogleOptions) (*GoogleClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("google maps API key required: set GOOGLE_MAPS_API_KEY")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://maps.googleapis.com/maps/api"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond))
	}

	return &GoogleClient{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, burst),
		exec:       resilience.NewExecutor(opts.Policy, log),
		metrics:    opts.Metrics,
		log:        log.Named("geocoding"),
		now:        opts.Now,
	}, nil
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress  string `json:"formatted_address"`
		AddressComponents []struct {
			ShortName string   `json:"short_name"`
			Types     []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

type timezoneResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	TimeZoneID   string `json:"timeZoneId"`
}

// ReverseGeocode returns the first result's address and country code.
func (c *GoogleClient) ReverseGeocode(ctx context.Context, lat, lon float64) (Place, error) {
	const op = "reverse_geocode"
	q := url.Values{}
	q.Set("latlng", formatLatLng(lat, lon))

	var resp geocodeResponse
	err := c.exec.Execute(ctx, op, func(ctx context.Context) error {
		resp = geocodeResponse{}
		if err := c.getJSON(ctx, "/geocode/json", q, &resp, op); err != nil {
			return err
		}
		return checkStatus(resp.Status, resp.ErrorMessage)
	}, classify)
	if err != nil {
		return Place{}, lookupError(op, lat, lon, err)
	}
	if len(resp.Results) == 0 {
		return Place{}, &LookupError{Op: op, Lat: lat, Lon: lon, Status: statusZeroResults}
	}

	first := resp.Results[0]
	place := Place{FormattedAddress: first.FormattedAddress}
	for _, comp := range first.AddressComponents {
		for _, t := range comp.Types {
			if t == "country" {
				place.CountryCode = comp.ShortName
				break
			}
		}
		if place.CountryCode != "" {
			break
		}
	}
	return place, nil
}

// Timezone returns the IANA zone id at the coordinate.
func (c *GoogleClient) Timezone(ctx context.Context, lat, lon float64) (string, error) {
	const op = "timezone"
	q := url.Values{}
	q.Set("location", formatLatLng(lat, lon))
	q.Set("timestamp", strconv.FormatInt(c.now().Unix(), 10))

	var resp timezoneResponse
	err := c.exec.Execute(ctx, op, func(ctx context.Context) error {
		resp = timezoneResponse{}
		if err := c.getJSON(ctx, "/timezone/json", q, &resp, op); err != nil {
			return err
		}
		return checkStatus(resp.Status, resp.ErrorMessage)
	}, classify)
	if err != nil {
		return "", lookupError(op, lat, lon, err)
	}
	if resp.TimeZoneID == "" {
		return "", &LookupError{Op: op, Lat: lat, Lon: lon, Status: statusZeroResults}
	}
	return resp.TimeZoneID, nil
}

func (c *GoogleClient) getJSON(ctx context.Context, path string, q url.Values, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.HTTPRequest(operation, "error")
		return fmt.Errorf("maps %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.metrics.HTTPRequest(operation, "error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{Operation: operation, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	c.metrics.HTTPRequest(operation, "ok")
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	c.log.Debug("maps request", zap.String("operation", operation), zap.String("path", path))
	return nil
}

func checkStatus(status, message string) error {
	if status == statusOK {
		return nil
	}
	return &apiStatusError{Status: status, Message: message}
}

func lookupError(op string, lat, lon float64, err error) error {
	le := &LookupError{Op: op, Lat: lat, Lon: lon, Err: err}
	var se *apiStatusError
	if errors.As(err, &se) {
		le.Status = se.Status
		le.Err = nil
		if se.Message != "" {
			le.Err = errors.New(se.Message)
		}
	}
	return le
}

func classify(err error) resilience.Classification {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Classification{}
	}

	var se *apiStatusError
	if errors.As(err, &se) {
		switch se.Status {
		case statusZeroResults:
			// a valid answer, the place just has no address
			return resilience.Classification{}
		case statusOverQueryLimit, statusUnknownError:
			return resilience.Classification{Retryable: true, RecordFailure: true}
		default:
			return resilience.Classification{Retryable: false, RecordFailure: true}
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return resilience.Classification{Retryable: true, RecordFailure: true}
		}
		return resilience.Classification{Retryable: false, RecordFailure: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Classification{Retryable: true, RecordFailure: true}
	}
	return resilience.Classification{Retryable: false, RecordFailure: true}
}

func formatLatLng(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 7, 64) + "," + strconv.FormatFloat(lon, 'f', 7, 64)
}
