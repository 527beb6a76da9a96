// Package jobs defines the background tasks and the Asynq worker that
// processes them. The only engine-owned task is the permission refresh
// fan-out emitted after a role's grants change.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermRoleChanged is emitted after any successful mutation of a
	// role's permission grants.
	TaskPermRoleChanged = "perm:role_changed"
	// TaskPermRefreshSweep is scheduled periodically to broadcast a refresh
	// to every active user. The per-role fan-out is best-effort, so the
	// sweep bounds how long a missed event can leave a client's permission
	// cache stale.
	TaskPermRefreshSweep = "perm:refresh_sweep"
)

// PermRoleChangedPayload identifies one role-changed event.
type PermRoleChangedPayload struct {
	EventID   string    `json:"event_id"`
	RoleID    int64     `json:"role_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// NewPermRoleChangedTask constructs the fan-out task for a role change.
func NewPermRoleChangedTask(roleID int64) (*asynq.Task, error) {
	payload := PermRoleChangedPayload{
		EventID:   uuid.NewString(),
		RoleID:    roleID,
		ChangedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermRoleChanged, data), nil
}

// NewPermRefreshSweepTask constructs the scheduled broadcast task. It carries
// no payload; the handler resolves the audience at run time.
func NewPermRefreshSweepTask() *asynq.Task {
	return asynq.NewTask(TaskPermRefreshSweep, nil)
}
