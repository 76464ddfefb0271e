// Package assistant answers business questions with an LLM, grounding each
// prompt in the current month's sales.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowmerce/flowmerce/internal/analytics"
	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
)

// ErrUpstream wraps failures of the language model backend.
var ErrUpstream = errors.New("assistant backend failed")

const maxMessageLen = 4000

// Stats supplies the month's sales figures.
type Stats interface {
	CurrentMonth(ctx context.Context) (*analytics.MonthStats, error)
}

// Quota limits assistant use per plan.
type Quota interface {
	CheckAssistantQuota(ctx context.Context, caller *auth.Identity) error
	RecordAssistantQuery(ctx context.Context, userID int64) error
}

// Service runs assistant queries.
type Service struct {
	client Client
	stats  Stats
	quota  Quota
	system string
	logger *slog.Logger
}

// NewService creates an assistant service. quota may be nil to disable limits.
func NewService(client Client, stats Stats, quota Quota, systemPrompt string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		stats:  stats,
		quota:  quota,
		system: systemPrompt,
		logger: logger.With("component", "assistant"),
	}
}

// Ask streams the answer to message into sink, which may be nil, and returns
// the full reply. Usage is recorded only for answered questions.
func (s *Service) Ask(ctx context.Context, caller *auth.Identity, message string, sink func(delta string) error) (string, error) {
	if caller == nil {
		return "", apperr.ErrForbidden
	}
	message = strings.TrimSpace(message)
	switch {
	case message == "":
		return "", apperr.Invalid("message", "This field may not be blank.")
	case len(message) > maxMessageLen:
		return "", apperr.Invalid("message", fmt.Sprintf("Ensure this field has no more than %d characters.", maxMessageLen))
	}
	if s.quota != nil {
		if err := s.quota.CheckAssistantQuota(ctx, caller); err != nil {
			return "", err
		}
	}

	stats, err := s.stats.CurrentMonth(ctx)
	if err != nil {
		return "", fmt.Errorf("month stats: %w", err)
	}

	var (
		reply   strings.Builder
		sinkErr error
	)
	err = s.client.Stream(ctx, BuildPrompt(s.system, stats, message), func(delta string) error {
		reply.WriteString(delta)
		if sink != nil {
			if err := sink(delta); err != nil {
				sinkErr = err
				return err
			}
		}
		return nil
	})
	if sinkErr != nil {
		return "", sinkErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("assistant request failed", "user_id", caller.UserID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if s.quota != nil {
		if err := s.quota.RecordAssistantQuery(ctx, caller.UserID); err != nil {
			s.logger.Warn("record assistant query failed", "user_id", caller.UserID, "error", err)
		}
	}
	return strings.TrimSpace(reply.String()), nil
}
