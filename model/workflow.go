package model

import (
	"slices"
	"time"
)

// ObjectRef points at the workflow object owning an instance: any domain
// record, by type and id.
type ObjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r ObjectRef) IsZero() bool { return r.Type == "" && r.ID == "" }

// ProcessInstance is one running execution of a process attached to one
// workflow object.
type ProcessInstance struct {
	ID         int64      `json:"id"`
	No         string     `json:"no"`
	Name       string     `json:"name"`
	ProcessID  string     `json:"process_id"`
	Property   Property   `json:"property"`
	CreateUser string     `json:"create_user"`
	Object     ObjectRef  `json:"object"`
	CreateTime time.Time  `json:"create_time"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	CurNode    string     `json:"cur_node"`
	Desc       string     `json:"desc"`
	Version    int        `json:"version"`
}

// Task is a work item pinning an instance at a node for a user and an
// optional delegate.
type Task struct {
	ID          int64      `json:"id"`
	InstanceID  int64      `json:"instance_id"`
	NodeID      string     `json:"node_id"`
	User        string     `json:"user"`
	AgentUser   string     `json:"agent_user,omitempty"`
	Status      TaskStatus `json:"status"`
	ReceiveTime *time.Time `json:"receive_time,omitempty"`
	IsHold      bool       `json:"is_hold"`
	CreateTime  time.Time  `json:"create_time"`
	Version     int        `json:"version"`
}

// OwnedBy reports whether user is the task's primary or delegate user.
func (t Task) OwnedBy(user string) bool {
	return user != "" && (t.User == user || t.AgentUser == user)
}

// IsProcessing reports whether the task is still open.
func (t Task) IsProcessing() bool { return t.Status == TaskProcessing }

// Event is an immutable audit record of one action.
type Event struct {
	ID         int64          `json:"id"`
	InstanceID int64          `json:"instance_id"`
	User       string         `json:"user"`
	ActType    ActType        `json:"act_type"`
	ActName    string         `json:"act_name"`
	OldNode    string         `json:"old_node"`
	NewNode    string         `json:"new_node"`
	TaskID     *int64         `json:"task_id,omitempty"`
	Desc       string         `json:"desc,omitempty"`
	ExtData    map[string]any `json:"ext_data,omitempty"`
	CreateTime time.Time      `json:"create_time"`
}

// SortEventsNewestFirst orders events by (create_time, id) descending.
func SortEventsNewestFirst(events []Event) {
	slices.SortFunc(events, func(a, b Event) int {
		if c := b.CreateTime.Compare(a.CreateTime); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}

// ActionInput is the caller-supplied context of an action.
type ActionInput struct {
	Desc    string         `json:"desc,omitempty"`
	ExtData map[string]any `json:"ext_data,omitempty"`
}

// ActionResult describes what one atomic action changed.
type ActionResult struct {
	Instance ProcessInstance `json:"instance"`
	Events   []Event         `json:"events"`
	NewTasks []Task          `json:"new_tasks"`
}
