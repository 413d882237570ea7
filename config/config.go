package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	TimezoneProviderGoogle  = "google"
	TimezoneProviderOffline = "offline"
)

const (
	defaultQueueSize          = 200
	defaultNumWorkers         = 4
	defaultProgressEvery      = 10
	defaultGeocodeResolution  = 12
	defaultDuplicateThreshold = 5
	defaultSimilarThreshold   = 10
	defaultGeocodeRate        = 10.0
	defaultGeocodeTimeout     = 10
	defaultRetryAttempts      = 3
	defaultRetryBackoffMillis = 200
	defaultBreakerFailures    = 5
	defaultBreakerOpenSeconds = 30
	defaultGoogleMapsBaseURL  = "https://maps.googleapis.com/maps/api"
	defaultCORSOrigins        = "http://localhost:5173"
)

var defaultStandardResolutions = []int{3, 6, 9, 12, 15}

type Config struct {
	// source directory (where original photos are scanned)
	RootDirectory string

	// database path
	DatabasePath string

	LogLevel string
	Port     string

	// origins allowed to call the HTTP API
	CORSAllowedOrigins []string

	// spatial indexing
	StandardResolutions []int
	GeocodeResolution   int

	// fingerprint comparison thresholds, inclusive
	DuplicateThreshold int
	SimilarThreshold   int

	// worker settings
	ProgressEvery int
	QueueSize     int
	NumWorkers    int

	// geocoding client
	GoogleMapsAPIKey  string
	GoogleMapsBaseURL string
	TimezoneProvider  string
	GeocodeRate       float64 // requests per second
	GeocodeTimeout    time.Duration

	// resilience policy for outbound geocode calls
	RetryAttempts      int
	RetryBackoff       time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

// getEnvNonNegIntOrDefault is getEnvIntOrDefault for settings where 0 is meaningful.
func getEnvNonNegIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float64) float64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %g. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

// getEnvIntListOrDefault parses a comma separated list such as "3,6,9".
func getEnvIntListOrDefault(envVar string, defaultVal []int) ([]int, error) {
	valStr := strings.TrimSpace(os.Getenv(envVar))
	if valStr == "" {
		return append([]int(nil), defaultVal...), nil
	}
	var out []int
	for _, part := range strings.Split(valStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry '%s': %w", envVar, part, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s must list at least one resolution", envVar)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func LoadConfig() (Config, error) {
	root := getEnvOrDefault("ROOT_DIRECTORY", ".")
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for root directory '%s': %w", root, err)
	}

	resolutions, err := getEnvIntListOrDefault("STANDARD_RESOLUTIONS", defaultStandardResolutions)
	if err != nil {
		return Config{}, err
	}

	provider := strings.ToLower(getEnvOrDefault("TIMEZONE_PROVIDER", TimezoneProviderGoogle))
	if provider != TimezoneProviderGoogle && provider != TimezoneProviderOffline {
		return Config{}, fmt.Errorf("unknown TIMEZONE_PROVIDER '%s' (want %s or %s)", provider, TimezoneProviderGoogle, TimezoneProviderOffline)
	}

	cfg := Config{
		RootDirectory: absRoot,
		DatabasePath:  getEnvOrDefault("DATABASE_PATH", "photos.db"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		Port:          getEnvOrDefault("PORT", "8080"),

		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", defaultCORSOrigins)),

		StandardResolutions: resolutions,
		GeocodeResolution:   getEnvNonNegIntOrDefault("GEOCODE_RESOLUTION", defaultGeocodeResolution),

		DuplicateThreshold: getEnvNonNegIntOrDefault("DUPLICATE_THRESHOLD", defaultDuplicateThreshold),
		SimilarThreshold:   getEnvNonNegIntOrDefault("SIMILAR_THRESHOLD", defaultSimilarThreshold),

		ProgressEvery: getEnvIntOrDefault("PROGRESS_EVERY", defaultProgressEvery),
		QueueSize:     getEnvIntOrDefault("QUEUE_SIZE", defaultQueueSize),
		NumWorkers:    getEnvIntOrDefault("NUM_WORKERS", defaultNumWorkers),

		GoogleMapsAPIKey:  os.Getenv("GOOGLE_MAPS_API_KEY"),
		GoogleMapsBaseURL: strings.TrimRight(getEnvOrDefault("GOOGLE_MAPS_BASE_URL", defaultGoogleMapsBaseURL), "/"),
		TimezoneProvider:  provider,
		GeocodeRate:       getEnvFloatOrDefault("GEOCODE_RATE_PER_SECOND", defaultGeocodeRate),
		GeocodeTimeout:    time.Duration(getEnvIntOrDefault("GEOCODE_TIMEOUT_SECONDS", defaultGeocodeTimeout)) * time.Second,

		RetryAttempts:      getEnvIntOrDefault("GEOCODE_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryBackoff:       time.Duration(getEnvIntOrDefault("GEOCODE_RETRY_BACKOFF_MS", defaultRetryBackoffMillis)) * time.Millisecond,
		BreakerMaxFailures: getEnvIntOrDefault("GEOCODE_BREAKER_MAX_FAILURES", defaultBreakerFailures),
		BreakerOpenTimeout: time.Duration(getEnvIntOrDefault("GEOCODE_BREAKER_OPEN_SECONDS", defaultBreakerOpenSeconds)) * time.Second,
	}

	return cfg, nil
}
