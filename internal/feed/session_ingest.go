// Package feed turns channel-network session notifications into bets.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/platform/clearnode"
)

const defaultDedupTTL = 10 * time.Minute

// BetAcceptor is the bet acceptance path.
type BetAcceptor interface {
	Accept(ctx context.Context, sub domain.BetSubmission) (domain.Bet, error)
}

// sessionData is the app-session payload that carries a sealed bet.
type sessionData struct {
	Type          string          `json:"type"`
	MarketID      domain.MarketID `json:"marketId"`
	EncryptedData string          `json:"encryptedData"`
}

var errNotBet = errors.New("feed: session data is not a bet")

// SessionIngest consumes app-session notifications and submits the bets they
// carry. A bad bet is logged and skipped; the loop only ends with ctx.
type SessionIngest struct {
	source  <-chan clearnode.Message
	bets    BetAcceptor
	dedup   *Dedup
	logger  *slog.Logger
	cleanup time.Duration
}

// NewSessionIngest creates an ingest loop over source. A zero ttl uses ten
// minutes.
func NewSessionIngest(source <-chan clearnode.Message, bets BetAcceptor, ttl time.Duration, logger *slog.Logger) *SessionIngest {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &SessionIngest{
		source:  source,
		bets:    bets,
		dedup:   NewDedup(ttl),
		logger:  logger.With(slog.String("component", "session_ingest")),
		cleanup: ttl,
	}
}

// Run reads notifications until ctx is cancelled or the source closes.
func (s *SessionIngest) Run(ctx context.Context) error {
	s.logger.Info("session ingest started")
	defer s.logger.Info("session ingest stopped")

	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dedup.Cleanup()
		case msg, ok := <-s.source:
			if !ok {
				return nil
			}
			if err := s.Handle(ctx, msg); err != nil && !errors.Is(err, errNotBet) {
				s.logger.WarnContext(ctx, "session bet rejected", slog.String("error", err.Error()))
			}
		}
	}
}

// Handle processes one notification. Non-session messages and sessions
// whose data is not a bet are ignored.
func (s *SessionIngest) Handle(ctx context.Context, msg clearnode.Message) error {
	var session clearnode.AppSession
	switch m := msg.(type) {
	case clearnode.AppSessionOpened:
		session = m.Session
	case clearnode.AppSessionStateUpdated:
		session = m.Session
	default:
		return errNotBet
	}

	key := fmt.Sprintf("%s:%d", session.SessionID, session.Version)
	if s.dedup.IsDuplicate(key) {
		s.logger.DebugContext(ctx, "duplicate session notification", slog.String("key", key))
		return nil
	}

	sub, err := parseSessionBet(session)
	if err != nil {
		return err
	}
	if _, err := s.bets.Accept(ctx, sub); err != nil {
		s.dedup.Forget(key)
		return fmt.Errorf("feed: session %s v%d: %w", session.SessionID, session.Version, err)
	}
	return nil
}

func parseSessionBet(session clearnode.AppSession) (domain.BetSubmission, error) {
	if strings.TrimSpace(session.SessionData) == "" {
		return domain.BetSubmission{}, errNotBet
	}
	var data sessionData
	if err := json.Unmarshal([]byte(session.SessionData), &data); err != nil {
		return domain.BetSubmission{}, errNotBet
	}
	if data.Type != "bet" {
		return domain.BetSubmission{}, errNotBet
	}
	frame, err := crypto.DecodeFrame(data.EncryptedData)
	if err != nil {
		return domain.BetSubmission{}, fmt.Errorf("feed: session %s: %w", session.SessionID, err)
	}
	return domain.BetSubmission{
		MarketID:     data.MarketID,
		Frame:        frame,
		SessionID:    session.SessionID,
		Participants: session.Participants,
	}, nil
}
