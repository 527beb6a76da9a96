package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// userChannel is the per-user channel consumers subscribe to for "refresh
// your permission cache" signals.
func userChannel(userID int64) string {
	return fmt.Sprintf("halcyon:perms:user:%d", userID)
}

// AssignmentResolver resolves the audience of a refresh: the users holding a
// changed role, or every active user for the scheduled sweep.
type AssignmentResolver interface {
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)
}

// FanoutMetrics counts published notifications.
type FanoutMetrics interface {
	NotifyFanout(users int)
}

// refreshMessage is what subscribers receive on their channel.
type refreshMessage struct {
	EventID   string `json:"event_id"`
	RoleID    int64  `json:"role_id"`
	ChangedAt string `json:"changed_at"`
}

// PermRefreshJob fans a role change out to every affected user: one publish
// per user on that user's channel. The whole job is best-effort; it never
// reports failure back to Asynq, since a missed refresh only delays a
// client's cache invalidation.
type PermRefreshJob struct {
	assignments AssignmentResolver
	publisher   redis.UniversalClient
	metrics     FanoutMetrics
	logger      *slog.Logger
}

// NewPermRefreshJob constructs the fan-out handler.
func NewPermRefreshJob(assignments AssignmentResolver, publisher redis.UniversalClient, metrics FanoutMetrics, logger *slog.Logger) *PermRefreshJob {
	return &PermRefreshJob{
		assignments: assignments,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handle processes TaskPermRoleChanged tasks.
func (j *PermRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PermRoleChangedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.warn("decode payload", 0, err)
		return asynq.SkipRetry
	}

	userIDs, err := j.assignments.UserIDsWithRole(ctx, payload.RoleID)
	if err != nil {
		j.warn("resolve role assignments", payload.RoleID, err)
		return nil
	}
	if len(userIDs) == 0 {
		return nil
	}

	message, err := json.Marshal(refreshMessage{
		EventID:   payload.EventID,
		RoleID:    payload.RoleID,
		ChangedAt: payload.ChangedAt.Format(time.RFC3339),
	})
	if err != nil {
		j.warn("encode refresh message", payload.RoleID, err)
		return nil
	}

	j.fanOut(ctx, payload.RoleID, userIDs, message)
	return nil
}

// HandleSweep processes TaskPermRefreshSweep tasks: a scheduled broadcast to
// every active user. The per-role fan-out never fails the mutation that
// emitted it, so the sweep is what bounds how long a missed role-changed
// event can leave a client's cache stale.
func (j *PermRefreshJob) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	userIDs, err := j.assignments.ActiveUserIDs(ctx)
	if err != nil {
		j.warn("resolve active users", 0, err)
		return nil
	}
	if len(userIDs) == 0 {
		return nil
	}

	message, err := json.Marshal(refreshMessage{
		EventID:   uuid.NewString(),
		ChangedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		j.warn("encode refresh message", 0, err)
		return nil
	}

	j.fanOut(ctx, 0, userIDs, message)
	return nil
}

// fanOut publishes message to every user's channel, bounded, counting only
// the publishes that succeeded.
func (j *PermRefreshJob) fanOut(ctx context.Context, roleID int64, userIDs []int64, message []byte) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	var published atomic.Int64
	for _, userID := range userIDs {
		g.Go(func() error {
			if err := j.publisher.Publish(ctx, userChannel(userID), message).Err(); err != nil {
				j.warn("publish refresh", roleID, err)
				return nil
			}
			published.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if j.metrics != nil {
		j.metrics.NotifyFanout(int(published.Load()))
	}
}

func (j *PermRefreshJob) warn(op string, roleID int64, err error) {
	if j.logger != nil {
		j.logger.Warn(op+" failed", slog.Int64("role", roleID), slog.Any("error", err))
	}
}
