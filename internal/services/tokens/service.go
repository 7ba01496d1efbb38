package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
	"github.com/ternarybob/whatsmytoken/internal/telemetry"
)

// Service is the read/manage surface used by the HTTP API and CLI.
// It never observes requests itself; records arrive through the
// interceptors or through AddToken.
type Service struct {
	storage interfaces.TokenStorage
	logger  arbor.ILogger
	now     func() time.Time
}

// NewService creates a token service over storage
func NewService(storage interfaces.TokenStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// AddToken stores a manually supplied record. Missing id, timestamp,
// domain and source are filled in.
func (s *Service) AddToken(ctx context.Context, token *models.CapturedToken) (*models.CapturedToken, error) {
	if token == nil || strings.TrimSpace(token.Token) == "" {
		return nil, fmt.Errorf("token value is required")
	}

	record := *token
	if record.ID == "" {
		record.ID = common.NewTokenID()
	}
	if record.Timestamp == 0 {
		record.Timestamp = s.now().UnixMilli()
	}
	if record.Domain == "" {
		record.Domain = capture.DomainFromURL(record.URL)
	}
	if record.Method == "" {
		record.Method = "GET"
	}
	if record.Source == "" {
		record.Source = models.SourceManual
	}

	if err := s.storage.Append(ctx, &record); err != nil {
		telemetry.StoreErrors.WithLabelValues("append").Inc()
		return nil, err
	}

	s.logger.Debug().
		Str("id", record.ID).
		Str("domain", record.Domain).
		Msg("Token added")
	return &record, nil
}

// RemoveToken deletes one record; unknown ids are a no-op
func (s *Service) RemoveToken(ctx context.Context, id string) error {
	if err := s.storage.Remove(ctx, id); err != nil {
		telemetry.StoreErrors.WithLabelValues("remove").Inc()
		return err
	}
	s.logger.Debug().Str("id", id).Msg("Token removed")
	return nil
}

// ClearTokens empties the collection
func (s *Service) ClearTokens(ctx context.Context) error {
	if err := s.storage.Clear(ctx); err != nil {
		telemetry.StoreErrors.WithLabelValues("clear").Inc()
		return err
	}
	s.logger.Info().Msg("All tokens cleared")
	return nil
}

// GetTokensByDomain returns the records captured for domain, in capture order
func (s *Service) GetTokensByDomain(ctx context.Context, domain string) ([]models.CapturedToken, error) {
	tokens, err := s.storage.QueryByDomain(ctx, domain)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("query").Inc()
		return nil, err
	}
	return tokens, nil
}

// GetToken returns one record
func (s *Service) GetToken(ctx context.Context, id string) (*models.CapturedToken, error) {
	return s.storage.Get(ctx, id)
}

// List returns the whole collection, in capture order
func (s *Service) List(ctx context.Context) ([]models.CapturedToken, error) {
	tokens, err := s.storage.List(ctx)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("list").Inc()
		return nil, err
	}
	return tokens, nil
}

// Subscribe forwards store change notifications to listener
func (s *Service) Subscribe(listener interfaces.TokenListener) func() {
	return s.storage.Subscribe(listener)
}

// Policy reports the store's append policy
func (s *Service) Policy() models.AppendPolicy {
	return s.storage.Policy()
}

// TrackStoredGauge keeps the tokens_stored gauge in step with the store
func (s *Service) TrackStoredGauge(ctx context.Context) func() {
	if tokens, err := s.storage.List(ctx); err == nil {
		telemetry.TokensStored.Set(float64(len(tokens)))
	}
	return s.storage.Subscribe(func(change models.TokenChange) {
		telemetry.TokensStored.Set(float64(change.Count))
	})
}
