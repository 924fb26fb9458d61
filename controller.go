package phantom_probe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ActionEventKind discriminates action notifications.
type ActionEventKind int

const (
	ActionStarted ActionEventKind = iota
	ActionProgress
	ActionEnd
	ActionAbort
)

func (k ActionEventKind) String() string {
	switch k {
	case ActionStarted:
		return "ACTION_START"
	case ActionProgress:
		return "ACTION_FEEDBACK"
	case ActionEnd:
		return "ACTION_END"
	case ActionAbort:
		return "ACTION_ABORT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the event ends an action.
func (k ActionEventKind) Terminal() bool {
	return k == ActionEnd || k == ActionAbort
}

// ActionEvent is delivered to subscribers on the controller's own goroutine.
// RequestID echoes ActionRequest.ID when the controller knows it.
type ActionEvent struct {
	Kind      ActionEventKind
	RequestID string
	Action    string
	Detail    string
}

// ActionKind selects the variant populated in an ActionRequest.
type ActionKind int

const (
	ReachPose ActionKind = iota
	ReachJoints
	NamedAction
)

func (k ActionKind) String() string {
	switch k {
	case ReachPose:
		return "reach_pose"
	case ReachJoints:
		return "reach_joint_angles"
	case NamedAction:
		return "named_action"
	default:
		return "unknown"
	}
}

// ActionRequest is what a controller executes.
type ActionRequest struct {
	ID     string
	Name   string
	Kind   ActionKind
	Pose   Pose
	Joints JointTarget
	Action string
}

// SubscriptionHandle identifies one registered listener.
type SubscriptionHandle uint64

// Controller is the robot-side contract the sequencer drives. ExecuteAction must
// not block for motion completion; completion is reported through subscribed
// listeners.
type Controller interface {
	FeedbackSource
	ExecuteAction(ctx context.Context, req ActionRequest) error
	SubscribeActionEvents(callback func(ActionEvent)) (SubscriptionHandle, error)
	Unsubscribe(handle SubscriptionHandle)
	ActuatorCount(ctx context.Context) (int, error)
}

// Stopper is implemented by controllers that can halt an in-flight motion.
type Stopper interface {
	Stop(ctx context.Context) error
}

// TransportError wraps a failure of the execute or subscribe call itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// eventHub is the listener registry shared by the controller implementations.
type eventHub struct {
	mu        sync.RWMutex
	listeners map[SubscriptionHandle]func(ActionEvent)
	next      atomic.Uint64
}

func (h *eventHub) subscribe(callback func(ActionEvent)) (SubscriptionHandle, error) {
	if callback == nil {
		return 0, &TransportError{Op: "subscribe", Err: fmt.Errorf("nil callback")}
	}
	handle := SubscriptionHandle(h.next.Add(1))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[SubscriptionHandle]func(ActionEvent))
	}
	h.listeners[handle] = callback
	return handle, nil
}

func (h *eventHub) unsubscribe(handle SubscriptionHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, handle)
}

func (h *eventHub) publish(ev ActionEvent) {
	h.mu.RLock()
	callbacks := make([]func(ActionEvent), 0, len(h.listeners))
	for _, cb := range h.listeners {
		callbacks = append(callbacks, cb)
	}
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
