package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/resilience"
)

// RoutingService computes road distances for a batch of waypoints. The
// production implementation calls the external routing API; tests inject a
// stub.
type RoutingService interface {
	// Matrix returns an NxN matrix of road distances in meters for the given
	// waypoints at the given departure time.
	Matrix(ctx context.Context, points []core.Location, departure time.Time) ([][]int, error)
}

// matrixRequest is the wire format of the routing service.
type matrixRequest struct {
	Waypoints []wirePoint `json:"waypoints"`
	Departure string      `json:"departure_time,omitempty"`
}

type wirePoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type matrixResponse struct {
	DistancesM [][]int `json:"distances_m"`
	Error      string  `json:"error,omitempty"`
}

// HTTPRoutingService is the HTTPS JSON client for the routing provider.
// Every call is bounded by the configured timeout (<= 5 s) and guarded by a
// circuit breaker; callers degrade to the great-circle fallback on any
// error.
type HTTPRoutingService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  core.Logger
}

// NewHTTPRoutingService builds the routing client from configuration.
func NewHTTPRoutingService(cfg core.RoutingConfig, logger core.Logger) *HTTPRoutingService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HTTPRoutingService{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "routing-service",
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			Logger:           logger,
		}),
		logger: logger,
	}
}

// Matrix calls the routing service once for the whole batch of points.
func (s *HTTPRoutingService) Matrix(ctx context.Context, points []core.Location, departure time.Time) ([][]int, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("routing service not configured: %w", core.ErrMissingConfiguration)
	}

	var result [][]int
	err := s.breaker.Execute(ctx, func() error {
		matrix, callErr := s.call(ctx, points, departure)
		if callErr != nil {
			return callErr
		}
		result = matrix
		return nil
	})
	return result, err
}

func (s *HTTPRoutingService) call(ctx context.Context, points []core.Location, departure time.Time) ([][]int, error) {
	req := matrixRequest{Waypoints: make([]wirePoint, len(points))}
	for i, p := range points {
		req.Waypoints[i] = wirePoint{Lat: p.Lat, Lng: p.Lng}
	}
	if !departure.IsZero() {
		req.Departure = departure.UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/matrix", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("routing service call: %w", core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("Routing service returned non-success", map[string]interface{}{
			"status":    resp.StatusCode,
			"waypoints": len(points),
		})
		return nil, fmt.Errorf("routing service status %d: %w", resp.StatusCode, core.ErrConnectionFailed)
	}

	var parsed matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding routing response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("routing service error: %s: %w", parsed.Error, core.ErrConnectionFailed)
	}
	if len(parsed.DistancesM) != len(points) {
		return nil, fmt.Errorf("routing service returned %d rows for %d points", len(parsed.DistancesM), len(points))
	}
	return parsed.DistancesM, nil
}
