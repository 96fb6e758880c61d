package model

// Property is the severity tag of a process instance.
type Property string

const (
	PropertyNormal Property = "normal"
	PropertySevere Property = "severe"
	PropertyUrgent Property = "urgent"
)

var propertyLabels = map[Property]string{
	PropertyNormal: "Normal",
	PropertySevere: "Severe",
	PropertyUrgent: "Urgent",
}

// Label returns the display label, or the raw value when unknown.
func (p Property) Label() string { return label(propertyLabels, p) }

// Valid reports whether p is one of the declared properties.
func (p Property) Valid() bool { return valid(propertyLabels, p) }

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
)

var taskStatusLabels = map[TaskStatus]string{
	TaskProcessing: "Processing",
	TaskCompleted:  "Completed",
}

func (s TaskStatus) Label() string { return label(taskStatusLabels, s) }
func (s TaskStatus) Valid() bool   { return valid(taskStatusLabels, s) }

// ActType classifies an audit event.
type ActType string

const (
	ActTransition ActType = "transition"
	ActAgree      ActType = "agree"
	ActEdit       ActType = "edit"
	ActCancel     ActType = "cancel"
	ActReject     ActType = "reject"
	ActBack       ActType = "back"
	ActRollback   ActType = "rollback"
	ActComment    ActType = "comment"
	ActAssign     ActType = "assign"
	ActHold       ActType = "hold"
	ActUnhold     ActType = "unhold"
)

var actTypeLabels = map[ActType]string{
	ActTransition: "Transition",
	ActAgree:      "Agree",
	ActEdit:       "Edit",
	ActCancel:     "Cancel",
	ActReject:     "Reject",
	ActBack:       "Back",
	ActRollback:   "Rollback",
	ActComment:    "Comment",
	ActAssign:     "Assign",
	ActHold:       "Hold",
	ActUnhold:     "Unhold",
}

func (a ActType) Label() string { return label(actTypeLabels, a) }
func (a ActType) Valid() bool   { return valid(actTypeLabels, a) }

// ResetsAgreement reports whether an event of this type clears the agreement
// history collected before it.
func (a ActType) ResetsAgreement() bool {
	return a == ActCancel || a == ActReject || a == ActBack
}

// NodeStatus tags a node of the process graph.
type NodeStatus string

const (
	NodeDraft      NodeStatus = "draft"
	NodeInProgress NodeStatus = "in_progress"
	NodeCompleted  NodeStatus = "completed"
	NodeRejected   NodeStatus = "rejected"
	NodeGivenUp    NodeStatus = "given_up"
	NodeCanceled   NodeStatus = "canceled"
)

var nodeStatusLabels = map[NodeStatus]string{
	NodeDraft:      "Draft",
	NodeInProgress: "In progress",
	NodeCompleted:  "Completed",
	NodeRejected:   "Rejected",
	NodeGivenUp:    "Given up",
	NodeCanceled:   "Canceled",
}

func (s NodeStatus) Label() string { return label(nodeStatusLabels, s) }
func (s NodeStatus) Valid() bool   { return valid(nodeStatusLabels, s) }

// ApprovalMode decides how many open tasks at a node must agree before the
// agree edge is taken.
type ApprovalMode string

const (
	ApprovalAny ApprovalMode = "any"
	ApprovalAll ApprovalMode = "all"
)

var approvalModeLabels = map[ApprovalMode]string{
	ApprovalAny: "Any assignee",
	ApprovalAll: "All assignees",
}

func (m ApprovalMode) Label() string { return label(approvalModeLabels, m) }
func (m ApprovalMode) Valid() bool   { return valid(approvalModeLabels, m) }

// TransitionKind names the special edges looked up by convention.
type TransitionKind string

const (
	KindNormal   TransitionKind = "normal"
	KindReject   TransitionKind = "reject"
	KindBack     TransitionKind = "back"
	KindRollback TransitionKind = "rollback"
	KindGiveUp   TransitionKind = "give_up"
	KindCancel   TransitionKind = "cancel"
)

var transitionKindLabels = map[TransitionKind]string{
	KindNormal:   "Normal",
	KindReject:   "Reject",
	KindBack:     "Back",
	KindRollback: "Rollback",
	KindGiveUp:   "Give up",
	KindCancel:   "Cancel",
}

func (k TransitionKind) Label() string { return label(transitionKindLabels, k) }
func (k TransitionKind) Valid() bool   { return valid(transitionKindLabels, k) }

func label[T ~string](labels map[T]string, v T) string {
	if l, ok := labels[v]; ok {
		return l
	}
	return string(v)
}

func valid[T ~string](labels map[T]string, v T) bool {
	_, ok := labels[v]
	return ok
}
