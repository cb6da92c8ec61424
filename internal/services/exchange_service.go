package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ExchangeService caches one rate table keyed off a base currency and
// answers multiplicative conversion rates between arbitrary pairs.
// Concurrent callers observing a stale table share a single upstream
// refresh; on refresh failure the previous table keeps serving.
type ExchangeService struct {
	apiURL string
	base   string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	rates     map[string]float64
	fetchedAt time.Time

	sf      singleflight.Group
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewExchangeService(apiURL, baseCurrency string, ttl, httpTimeout time.Duration, log *zap.Logger) *ExchangeService {
	return &ExchangeService{
		apiURL: apiURL,
		base:   strings.ToUpper(strings.TrimSpace(baseCurrency)),
		ttl:    ttl,
		client: &http.Client{Timeout: httpTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "exchange-upstream",
			Timeout: 30 * time.Second,
		}),
		log: log,
	}
}

// GetLiveRate returns the rate converting an amount from one currency
// to another. Same-currency lookups never touch the cache or the
// network.
func (s *ExchangeService) GetLiveRate(ctx context.Context, from, to string) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return 1.0, nil
	}

	if s.stale() {
		// Single-flight: N stale observations produce one upstream
		// fetch with N waiters. The in-flight marker clears when the
		// shared call returns, success or not.
		_, err, _ := s.sf.Do("refresh", func() (any, error) {
			return nil, s.refresh(ctx)
		})
		if err != nil {
			s.mu.RLock()
			empty := s.rates == nil
			s.mu.RUnlock()
			if empty {
				return 0, fmt.Errorf("%w: %v", ErrRatesUnavailable, err)
			}
			s.log.Warn("rate refresh failed, serving previous cache", zap.Error(err))
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rateFrom := s.rateLocked(from)
	rateTo := s.rateLocked(to)
	if rateFrom == 0 || rateTo == 0 {
		return 0, &RateNotFoundError{From: from, To: to}
	}

	return rateTo / rateFrom, nil
}

func (s *ExchangeService) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rates == nil || time.Since(s.fetchedAt) > s.ttl
}

// rateLocked returns the base→currency rate, or 0 when unknown.
// Callers must hold at least a read lock.
func (s *ExchangeService) rateLocked(currency string) float64 {
	if currency == s.base {
		return 1.0
	}
	return s.rates[currency]
}

func (s *ExchangeService) refresh(ctx context.Context) error {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.fetchRates(ctx)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rates = result.(map[string]float64)
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("exchange rates refreshed", zap.Int("currencies", len(result.(map[string]float64))))
	return nil
}

func (s *ExchangeService) fetchRates(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Rates) == 0 {
		return nil, fmt.Errorf("rate API returned no rates")
	}

	return body.Rates, nil
}
