package events

import "github.com/JeromySt/foreman/internal/core"

// Event type constants.
const (
	TypePlanRegistered = "plan_registered"
	TypePlanUpdated    = "plan_updated"
	TypePlanStarted    = "plan_started"
	TypePlanPaused     = "plan_paused"
	TypePlanResumed    = "plan_resumed"
	TypePlanFinished   = "plan_finished"
	TypePlanDeleted    = "plan_deleted"
	TypeNodeStatus     = "node_status"
	TypePhaseStarted   = "phase_started"
	TypePhaseEnded     = "phase_ended"
	TypeLogChunk       = "log_chunk"
)

// PlanEvent reports a plan-level change.
type PlanEvent struct {
	BaseEvent
	Status core.PlanStatus `json:"status,omitempty"`
}

// NewPlanEvent creates a plan-level event.
func NewPlanEvent(eventType string, planID core.PlanID, status core.PlanStatus) PlanEvent {
	return PlanEvent{
		BaseEvent: NewBaseEvent(eventType, string(planID)),
		Status:    status,
	}
}

// NodeStatusEvent reports a node status transition.
type NodeStatusEvent struct {
	BaseEvent
	NodeID     core.NodeID     `json:"nodeId"`
	ProducerID core.ProducerID `json:"producerId"`
	Status     core.NodeStatus `json:"status"`
	Attempt    int             `json:"attempt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NewNodeStatusEvent creates a node status event.
func NewNodeStatusEvent(planID core.PlanID, node *core.Node, status core.NodeStatus, attempt int, errMsg string) NodeStatusEvent {
	return NodeStatusEvent{
		BaseEvent:  NewBaseEvent(TypeNodeStatus, string(planID)),
		NodeID:     node.ID,
		ProducerID: node.ProducerID,
		Status:     status,
		Attempt:    attempt,
		Error:      errMsg,
	}
}

// PhaseEvent reports a phase boundary within an attempt.
type PhaseEvent struct {
	BaseEvent
	NodeID core.NodeID     `json:"nodeId"`
	Phase  core.Phase      `json:"phase"`
	Status core.StepStatus `json:"status,omitempty"`
}

// NewPhaseEvent creates a phase boundary event.
func NewPhaseEvent(eventType string, planID core.PlanID, nodeID core.NodeID, phase core.Phase, status core.StepStatus) PhaseEvent {
	return PhaseEvent{
		BaseEvent: NewBaseEvent(eventType, string(planID)),
		NodeID:    nodeID,
		Phase:     phase,
		Status:    status,
	}
}

// LogChunkEvent carries a fragment of subprocess output.
type LogChunkEvent struct {
	BaseEvent
	NodeID core.NodeID `json:"nodeId"`
	Phase  core.Phase  `json:"phase"`
	Stream string      `json:"stream"`
	Chunk  string      `json:"chunk"`
}

// NewLogChunkEvent creates a log chunk event.
func NewLogChunkEvent(planID core.PlanID, nodeID core.NodeID, phase core.Phase, stream, chunk string) LogChunkEvent {
	return LogChunkEvent{
		BaseEvent: NewBaseEvent(TypeLogChunk, string(planID)),
		NodeID:    nodeID,
		Phase:     phase,
		Stream:    stream,
		Chunk:     chunk,
	}
}
