// Package protocol implements the worker coordination wire format: a
// bidirectional, newline-delimited stream of JSON objects over a
// Unix-domain stream socket, one connection per worker. Each object is a
// tagged record whose tag is the "type" field.
package protocol

import (
	"encoding/json"

	"github.com/cuemby/datallog-core/internal/types"
)

// MessageType discriminates the envelope's payload.
type MessageType string

const (
	TypeGetStepExecutionProps MessageType = "GET_STEP_EXECUTION_PROPS"
	TypeExecutionProps        MessageType = "EXECUTION_PROPS"
	TypeGetWorkItem           MessageType = "GET_WORK_ITEM"
	TypeWorkItem              MessageType = "WORK_ITEM"
	TypeNoMoreWorkItems       MessageType = "NO_MORE_WORK_ITEMS"
	TypePublishResult         MessageType = "PUBLISH_RESULT"
	TypeWorkerError           MessageType = "WORKER_ERROR"
	TypeMarkAsIdle            MessageType = "MARK_AS_IDLE"
)

// Envelope is the decoded form of every message variant: a type tag plus
// every field any variant might carry. Fields a variant does not use stay at
// their zero value, and zero-valued fields are omitted on encode (see the
// omitempty tags on wireEnvelope). Codec.Decode returns an Envelope; callers
// switch on Type and use the To* extractors to obtain the typed value.
//
// WORK_ITEM/PUBLISH_RESULT's work_id (always present, so represented as a
// plain string) and WORKER_ERROR's work_id (optional, so a *string) share
// the same wire key but can't share one Go field without losing the
// optionality either side needs, so Envelope routes it to WorkID or
// ErrorWorkID depending on Type; see MarshalJSON/UnmarshalJSON.
type Envelope struct {
	Type MessageType

	WorkerID int

	FilePath    string
	ExecutionID string
	LogToDir    *string

	WorkID     string
	StepIndex  int
	Argument   json.RawMessage
	FromWorkID *string
	Sequence   []int

	Result json.RawMessage

	Error       string
	Traceback   string
	ErrorWorkID *string
}

// wireEnvelope is the literal JSON shape exchanged over the socket.
type wireEnvelope struct {
	Type MessageType `json:"type"`

	WorkerID int `json:"worker_id,omitempty"`

	FilePath    string  `json:"file_path,omitempty"`
	ExecutionID string  `json:"execution_id,omitempty"`
	LogToDir    *string `json:"log_to_dir,omitempty"`

	WorkID     *string         `json:"work_id,omitempty"`
	StepIndex  int             `json:"step_index,omitempty"`
	Argument   json.RawMessage `json:"argument,omitempty"`
	FromWorkID *string         `json:"from_work_id,omitempty"`
	Sequence   []int           `json:"sequence,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`

	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// MarshalJSON routes WorkID/ErrorWorkID onto the shared "work_id" wire key.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type: e.Type, WorkerID: e.WorkerID,
		FilePath: e.FilePath, ExecutionID: e.ExecutionID, LogToDir: e.LogToDir,
		StepIndex: e.StepIndex, Argument: e.Argument, FromWorkID: e.FromWorkID, Sequence: e.Sequence,
		Result:    e.Result,
		Error:     e.Error,
		Traceback: e.Traceback,
	}
	if e.Type == TypeWorkerError {
		w.WorkID = e.ErrorWorkID
	} else if e.WorkID != "" {
		w.WorkID = &e.WorkID
	}
	return json.Marshal(w)
}

// UnmarshalJSON routes the shared "work_id" wire key onto WorkID or
// ErrorWorkID depending on the decoded Type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		Type: w.Type, WorkerID: w.WorkerID,
		FilePath: w.FilePath, ExecutionID: w.ExecutionID, LogToDir: w.LogToDir,
		StepIndex: w.StepIndex, Argument: w.Argument, FromWorkID: w.FromWorkID, Sequence: w.Sequence,
		Result:    w.Result,
		Error:     w.Error,
		Traceback: w.Traceback,
	}
	if w.Type == TypeWorkerError {
		e.ErrorWorkID = w.WorkID
	} else if w.WorkID != nil {
		e.WorkID = *w.WorkID
	}
	return nil
}

// GetStepExecutionProps builds a W→H GET_STEP_EXECUTION_PROPS envelope.
func GetStepExecutionProps(workerID int) Envelope {
	return Envelope{Type: TypeGetStepExecutionProps, WorkerID: workerID}
}

// ExecutionPropsMsg builds an H→W EXECUTION_PROPS envelope.
func ExecutionPropsMsg(p types.ExecutionProps) Envelope {
	return Envelope{
		Type:        TypeExecutionProps,
		FilePath:    p.FilePath,
		ExecutionID: p.ExecutionID,
		LogToDir:    p.LogToDir,
	}
}

// GetWorkItem builds a W→H GET_WORK_ITEM envelope.
func GetWorkItem(workerID int) Envelope {
	return Envelope{Type: TypeGetWorkItem, WorkerID: workerID}
}

// WorkItemMsg builds a WORK_ITEM envelope (used both H→W dispatch and W→H
// successor scheduling — same shape either direction).
func WorkItemMsg(item types.WorkItem) Envelope {
	return Envelope{
		Type:       TypeWorkItem,
		WorkID:     item.WorkID,
		StepIndex:  item.StepIndex,
		Argument:   item.Argument,
		FromWorkID: item.FromWorkID,
		Sequence:   item.Sequence,
	}
}

// NoMoreWorkItems builds the H→W NO_MORE_WORK_ITEMS envelope.
func NoMoreWorkItems() Envelope {
	return Envelope{Type: TypeNoMoreWorkItems}
}

// PublishResult builds a W→H PUBLISH_RESULT envelope.
func PublishResult(workID string, result json.RawMessage) Envelope {
	return Envelope{Type: TypePublishResult, WorkID: workID, Result: result}
}

// WorkerErrorMsg builds a W→H WORKER_ERROR envelope.
func WorkerErrorMsg(errMsg, traceback string, workID *string) Envelope {
	return Envelope{Type: TypeWorkerError, Error: errMsg, Traceback: traceback, ErrorWorkID: workID}
}

// MarkAsIdle builds a W→H MARK_AS_IDLE envelope.
func MarkAsIdle(workerID int) Envelope {
	return Envelope{Type: TypeMarkAsIdle, WorkerID: workerID}
}

// ToWorkItem extracts a types.WorkItem from a WORK_ITEM envelope.
func (e Envelope) ToWorkItem() types.WorkItem {
	return types.WorkItem{
		WorkID:     e.WorkID,
		StepIndex:  e.StepIndex,
		Argument:   e.Argument,
		FromWorkID: e.FromWorkID,
		Sequence:   e.Sequence,
	}
}

// ToExecutionProps extracts a types.ExecutionProps from an EXECUTION_PROPS envelope.
func (e Envelope) ToExecutionProps() types.ExecutionProps {
	return types.ExecutionProps{
		FilePath:    e.FilePath,
		ExecutionID: e.ExecutionID,
		LogToDir:    e.LogToDir,
	}
}

// ToWorkerError extracts a types.WorkerError from a WORKER_ERROR envelope.
func (e Envelope) ToWorkerError() types.WorkerError {
	return types.WorkerError{
		Error:     e.Error,
		Traceback: e.Traceback,
		WorkID:    e.ErrorWorkID,
	}
}
