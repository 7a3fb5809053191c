package types

import (
	"errors"
	"fmt"
	"time"
)

// FlowType distinguishes active transfers from credential-based access.
type FlowType string

const (
	// FlowTypePush means the data plane moves bytes to the destination.
	FlowTypePush FlowType = "PUSH"
	// FlowTypePull means the destination fetches bytes with an issued credential.
	FlowTypePull FlowType = "PULL"
)

// TerminationReasonKey is the property key holding the reason given to terminate or suspend.
const TerminationReasonKey = "https://w3id.org/edc/v0.0.1/ns/terminationReason"

// Validation errors returned by StartMessage.Validate.
var (
	ErrMissingProcessID   = errors.New("process id is required")
	ErrInvalidFlowType    = errors.New("flow type must be PUSH or PULL")
	ErrMissingSource      = errors.New("source address is required")
	ErrMissingDestination = errors.New("destination address is required")
)

// DataAddress describes a source or destination endpoint.
type DataAddress struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns the named property or an empty string.
func (a *DataAddress) Property(key string) string {
	if a == nil {
		return ""
	}
	return a.Properties[key]
}

// Clone returns a deep copy of the address.
func (a *DataAddress) Clone() *DataAddress {
	if a == nil {
		return nil
	}
	return &DataAddress{Type: a.Type, Properties: cloneProperties(a.Properties)}
}

// TransferType pairs the destination type with the flow type.
type TransferType struct {
	DestinationType string   `json:"destinationType"`
	FlowType        FlowType `json:"flowType"`
}

// StartMessage is the request that creates a DataFlow.
type StartMessage struct {
	ID              string            `json:"id"`
	ProcessID       string            `json:"processId"`
	Source          *DataAddress      `json:"source,omitempty"`
	Destination     *DataAddress      `json:"destination,omitempty"`
	ParticipantID   string            `json:"participantId,omitempty"`
	AgreementID     string            `json:"agreementId,omitempty"`
	AssetID         string            `json:"assetId,omitempty"`
	TransferType    TransferType      `json:"transferType"`
	CallbackAddress string            `json:"callbackAddress,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// Validate checks the fields every start request must carry.
func (m StartMessage) Validate() error {
	if m.ProcessID == "" {
		return ErrMissingProcessID
	}
	switch m.TransferType.FlowType {
	case FlowTypePush:
		if m.Source == nil {
			return ErrMissingSource
		}
		if m.Destination == nil {
			return ErrMissingDestination
		}
	case FlowTypePull:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFlowType, m.TransferType.FlowType)
	}
	return nil
}

// DataFlow is the persisted unit of work driven by the orchestrator.
type DataFlow struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	StateCount      int               `json:"stateCount"`
	StateTimestamp  int64             `json:"stateTimestamp"`
	RetryAt         int64             `json:"retryAt,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt"`
	Source          *DataAddress      `json:"source,omitempty"`
	Destination     *DataAddress      `json:"destination,omitempty"`
	CallbackAddress string            `json:"callbackAddress,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	TransferType    TransferType      `json:"transferType"`
	RuntimeID       string            `json:"runtimeId,omitempty"`
	ErrorDetail     string            `json:"errorDetail,omitempty"`
	ParticipantID   string            `json:"participantId,omitempty"`
	AgreementID     string            `json:"agreementId,omitempty"`
	AssetID         string            `json:"assetId,omitempty"`
}

// NewDataFlow creates a flow for msg in the given initial state. The flow id is the process id.
func NewDataFlow(msg StartMessage, state State, now time.Time) *DataFlow {
	ts := now.UnixMilli()
	return &DataFlow{
		ID:              msg.ProcessID,
		State:           state,
		StateCount:      1,
		StateTimestamp:  ts,
		CreatedAt:       ts,
		UpdatedAt:       ts,
		Source:          msg.Source.Clone(),
		Destination:     msg.Destination.Clone(),
		CallbackAddress: msg.CallbackAddress,
		Properties:      cloneProperties(msg.Properties),
		TransferType:    msg.TransferType,
		ParticipantID:   msg.ParticipantID,
		AgreementID:     msg.AgreementID,
		AssetID:         msg.AssetID,
	}
}

// TransitionTo moves the flow into next, counting repeated entries of the same
// state. Any scheduled retry is cleared.
func (f *DataFlow) TransitionTo(next State, now time.Time) error {
	if !f.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (flow %s)", ErrInvalidTransition, f.State, next, f.ID)
	}
	if f.State == next {
		f.StateCount++
	} else {
		f.StateCount = 1
	}
	f.State = next
	f.StateTimestamp = now.UnixMilli()
	f.UpdatedAt = f.StateTimestamp
	f.RetryAt = 0
	if next == StateCompleted {
		f.ErrorDetail = ""
	}
	return nil
}

// Start moves the flow into STARTED and records the owning runtime.
func (f *DataFlow) Start(runtimeID string, now time.Time) error {
	if err := f.TransitionTo(StateStarted, now); err != nil {
		return err
	}
	f.RuntimeID = runtimeID
	return nil
}

// Fail moves the flow into FAILED with the given detail.
func (f *DataFlow) Fail(detail string, now time.Time) error {
	if err := f.TransitionTo(StateFailed, now); err != nil {
		return err
	}
	f.ErrorDetail = detail
	return nil
}

// SetProperty adds or overwrites a property. Existing keys are never removed.
func (f *DataFlow) SetProperty(key, value string) {
	if f.Properties == nil {
		f.Properties = make(map[string]string)
	}
	f.Properties[key] = value
}

// HasSource reports whether the flow still references a live source.
func (f *DataFlow) HasSource() bool {
	return f.Source != nil
}

// StateTime returns StateTimestamp as a time.Time.
func (f *DataFlow) StateTime() time.Time {
	return time.UnixMilli(f.StateTimestamp)
}

// ToStartMessage rebuilds the transfer descriptor handed to engines.
func (f *DataFlow) ToStartMessage() StartMessage {
	return StartMessage{
		ID:              f.ID,
		ProcessID:       f.ID,
		Source:          f.Source.Clone(),
		Destination:     f.Destination.Clone(),
		ParticipantID:   f.ParticipantID,
		AgreementID:     f.AgreementID,
		AssetID:         f.AssetID,
		TransferType:    f.TransferType,
		CallbackAddress: f.CallbackAddress,
		Properties:      cloneProperties(f.Properties),
	}
}

// Clone returns a deep copy of the flow.
func (f *DataFlow) Clone() *DataFlow {
	if f == nil {
		return nil
	}
	c := *f
	c.Source = f.Source.Clone()
	c.Destination = f.Destination.Clone()
	c.Properties = cloneProperties(f.Properties)
	return &c
}

func cloneProperties(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
