package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// JobEvent is the wire shape published on every job status change so gateway
// processes can push progress to clients.
type JobEvent struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	Status   string `json:"status"`
	CourseID string `json:"course_id,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JobNotifier broadcasts job lifecycle events. Notification is best-effort:
// callers log failures and carry on.
type JobNotifier interface {
	Notify(ctx context.Context, job *domain.Job) error
	Close() error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(baseLog *logger.Logger) (JobNotifier, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_JOB_CHANNEL"))
	if ch == "" {
		ch = "job-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     baseLog.With("service", "RedisJobNotifier"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (n *redisNotifier) Notify(ctx context.Context, job *domain.Job) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("job notifier not initialized")
	}
	if job == nil {
		return fmt.Errorf("nil job")
	}
	ev := JobEvent{
		JobID:   job.ID.String(),
		JobType: job.JobType,
		Status:  job.Status,
		Error:   job.Error,
	}
	if job.CourseID != nil {
		ev.CourseID = job.CourseID.String()
	}
	if job.NodeID != nil {
		ev.NodeID = job.NodeID.String()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, raw).Err()
}

func (n *redisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// NopNotifier discards every event. Used when REDIS_ADDR is unset and in
// tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *domain.Job) error { return nil }
func (NopNotifier) Close() error                              { return nil }
