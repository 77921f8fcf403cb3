package service

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/marketlink/messaging-backend/internal/metrics"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

// DefaultPollMaxMessages bounds one poll response.
const DefaultPollMaxMessages = 200

// DeliveryGateway is the client-facing synchronization surface: a pull
// endpoint returning everything that changed past an opaque watermark token.
// It never blocks waiting for data, so clients poll it on a short interval;
// the websocket push layer delivers the same payload shape.
type DeliveryGateway struct {
	store       store.Store
	maxMessages int
}

func NewDeliveryGateway(st store.Store, maxMessages int) *DeliveryGateway {
	if maxMessages <= 0 {
		maxMessages = DefaultPollMaxMessages
	}
	return &DeliveryGateway{store: st, maxMessages: maxMessages}
}

// Poll returns the caller's changed conversations (last activity first) and
// changed messages (global order), plus the token to resume from. An empty or
// unrecognized token restarts from the beginning, which is safe: delivery is
// at-least-once and the payload idempotent.
func (g *DeliveryGateway) Poll(ctx context.Context, caller models.Caller, sinceToken string) (*models.PollResult, error) {
	since := decodeToken(sinceToken)
	changes, err := g.store.ChangesSince(ctx, caller, since, g.maxMessages)
	if err != nil {
		return nil, err
	}
	metrics.Polls.Inc()
	return &models.PollResult{
		Conversations: changes.Conversations,
		Messages:      changes.Messages,
		Token:         encodeToken(changes.Next),
	}, nil
}

func encodeToken(watermark int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(watermark, 10)))
}

func decodeToken(token string) int64 {
	if token == "" {
		return 0
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
