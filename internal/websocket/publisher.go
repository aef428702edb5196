package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/moment/internal/model"
)

// RedisPublisher sends job events to the API process over redis pub/sub.
// Hub.Relay delivers them to websocket subscribers.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, logger: logger}
}

func (p *RedisPublisher) BroadcastStatus(jobID string, status model.JobStatus, stage string) {
	p.publish(jobID, StatusMessage(jobID, status, stage))
}

func (p *RedisPublisher) BroadcastComplete(jobID, finalAudioURL string) {
	p.publish(jobID, CompleteMessage(jobID, finalAudioURL))
}

func (p *RedisPublisher) BroadcastError(jobID string, code, message string) {
	p.publish(jobID, ErrorMessage(jobID, code, message))
}

func (p *RedisPublisher) publish(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal job event", "job_id", jobID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, EventChannelPrefix+jobID, data).Err(); err != nil {
		p.logger.Warn("failed to publish job event", "job_id", jobID, "error", err)
	}
}
