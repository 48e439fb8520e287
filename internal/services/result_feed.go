package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/kodipay/internal/config"
)

// ProviderResult is a push outcome as reported by a provider, before it
// is applied to the ledger. ResultCode 0 means the subscriber paid.
type ProviderResult struct {
	CorrelationID    string `json:"correlation_id"`
	ResultCode       int    `json:"result_code"`
	ResultDesc       string `json:"result_desc"`
	ReceiptReference string `json:"receipt_reference"`
	Msisdn           string `json:"msisdn,omitempty"`
}

// ResultFeed carries provider results from ingestion to live watchers.
// Implementations must treat delivery as best-effort: polling is the
// backstop, so a lost message delays reconciliation but never loses it.
type ResultFeed interface {
	Publish(ctx context.Context, txID uuid.UUID, res ProviderResult) error
	Subscribe(ctx context.Context, txID uuid.UUID) (<-chan ProviderResult, func(), error)
}

// ErrFeedUnavailable is returned while the Redis connection is not up.
var ErrFeedUnavailable = errors.New("result feed unavailable")

// RedisResultFeed publishes results on a per-transaction pub/sub channel.
type RedisResultFeed struct {
	logger *logrus.Logger
}

func NewRedisResultFeed(logger *logrus.Logger) *RedisResultFeed {
	return &RedisResultFeed{logger: logger}
}

func feedChannel(txID uuid.UUID) string {
	return "kodipay:tx:" + txID.String()
}

func (f *RedisResultFeed) Publish(ctx context.Context, txID uuid.UUID, res ProviderResult) error {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return ErrFeedUnavailable
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, feedChannel(txID), payload).Err()
}

func (f *RedisResultFeed) Subscribe(ctx context.Context, txID uuid.UUID) (<-chan ProviderResult, func(), error) {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return nil, nil, ErrFeedUnavailable
	}

	sub := rdb.Subscribe(ctx, feedChannel(txID))
	out := make(chan ProviderResult, 1)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var res ProviderResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				f.logger.Warnf("[Recon] bad feed payload on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- res:
			default:
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
