package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Enqueuer is the slice of asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier queues permission refresh fan-outs. It satisfies the permission
// engine's Notifier port: enqueue failures are logged and swallowed so a
// notification problem never fails or rolls back the mutation that caused it.
type Notifier struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewNotifier constructs a Notifier on top of an Asynq client.
func NewNotifier(enqueuer Enqueuer, logger *slog.Logger) *Notifier {
	return &Notifier{enqueuer: enqueuer, logger: logger}
}

// RoleChanged enqueues the fan-out task for the role, best-effort.
func (n *Notifier) RoleChanged(ctx context.Context, roleID int64) {
	task, err := NewPermRoleChangedTask(roleID)
	if err != nil {
		n.warn("build role changed task", roleID, err)
		return
	}
	if _, err := n.enqueuer.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		n.warn("enqueue role changed task", roleID, err)
	}
}

func (n *Notifier) warn(op string, roleID int64, err error) {
	if n.logger != nil {
		n.logger.Warn(op+" failed", slog.Int64("role", roleID), slog.Any("error", err))
	}
}
