package transfer

import (
	"context"
	"fmt"

	"github.com/songzhibin97/dataplane-engine/types"
)

// ResultStatus is the outcome of a transfer or a terminate request.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "SUCCESS"
	StatusNotFound ResultStatus = "NOT_FOUND"
	StatusError    ResultStatus = "ERROR"
)

// GeneralErrorPrefix marks failure details recorded on FAILED flows.
const GeneralErrorPrefix = "GENERAL_ERROR"

// StreamResult is the structured result of an engine call.
type StreamResult struct {
	Status ResultStatus
	Detail string
}

// Success returns a successful result.
func Success() StreamResult {
	return StreamResult{Status: StatusSuccess}
}

// NotFound reports that nothing was running for the flow.
func NotFound() StreamResult {
	return StreamResult{Status: StatusNotFound}
}

// Error returns a failed result with the given detail.
func Error(detail string) StreamResult {
	return StreamResult{Status: StatusError, Detail: detail}
}

// Errorf is Error with formatting.
func Errorf(format string, args ...interface{}) StreamResult {
	return Error(fmt.Sprintf(format, args...))
}

// Succeeded reports whether the result is a success.
func (r StreamResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failed reports whether the result is an error.
func (r StreamResult) Failed() bool {
	return r.Status == StatusError
}

// FailureDetail renders the detail stored on a FAILED flow.
func (r StreamResult) FailureDetail() string {
	return GeneralErrorPrefix + ": " + r.Detail
}

// Engine moves bytes for the flows it can handle.
type Engine interface {
	// CanHandle reports whether the engine supports the descriptor.
	CanHandle(msg types.StartMessage) bool

	// Transfer starts moving data and returns immediately. Exactly one value is
	// sent on exactly one of the channels: a StreamResult when the transfer
	// ends, or an error when the transfer itself faults.
	Transfer(ctx context.Context, msg types.StartMessage) (<-chan StreamResult, <-chan error)

	// Terminate stops a running transfer for the flow.
	Terminate(ctx context.Context, flow *types.DataFlow) StreamResult
}

// Registry resolves the engine responsible for a descriptor.
type Registry interface {
	// Resolve returns nil when no engine can handle msg.
	Resolve(msg types.StartMessage) Engine
}

// EngineFunc adapts plain functions to the Engine interface.
type EngineFunc struct {
	CanHandleFunc func(msg types.StartMessage) bool
	TransferFunc  func(ctx context.Context, msg types.StartMessage) StreamResult
	TerminateFunc func(ctx context.Context, flow *types.DataFlow) StreamResult
}

// CanHandle implements Engine. A nil CanHandleFunc accepts everything.
func (e EngineFunc) CanHandle(msg types.StartMessage) bool {
	if e.CanHandleFunc == nil {
		return true
	}
	return e.CanHandleFunc(msg)
}

// Transfer runs TransferFunc in a goroutine. A panic is reported on the error channel.
func (e EngineFunc) Transfer(ctx context.Context, msg types.StartMessage) (<-chan StreamResult, <-chan error) {
	resultCh := make(chan StreamResult, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("transfer panicked: %v", r)
			}
		}()
		if e.TransferFunc == nil {
			resultCh <- Success()
			return
		}
		resultCh <- e.TransferFunc(ctx, msg)
	}()
	return resultCh, errCh
}

// Terminate implements Engine. A nil TerminateFunc reports NotFound.
func (e EngineFunc) Terminate(ctx context.Context, flow *types.DataFlow) StreamResult {
	if e.TerminateFunc == nil {
		return NotFound()
	}
	return e.TerminateFunc(ctx, flow)
}
