// Package domain holds the event catalog: the closed set of integration
// event types this system emits, and the opaque payload shapes behind
// them. Handlers and the projection reducer dispatch on EventType as a
// closed sum — unknown types are ignored by the pure components and
// logged at the handler boundary (see spec §9, "Dynamic dispatch by
// event type").
package domain

// EventType identifies one of the six events in the catalog (spec §3).
type EventType string

const (
	EventRequestDiscovered  EventType = "request.discovered.v1"
	EventSubmissionPrepared EventType = "submission.prepared.v1"
	EventJobSubmitted       EventType = "job.submitted.v1"
	EventJobPollRequested   EventType = "job.pollrequested.v1"
	EventJobTerminal        EventType = "job.terminal.v1"
	EventRequestCompleted   EventType = "request.completed.v1"
)

// TerminalStatus is the outcome a remote job can settle into, as reported
// by the external service and recorded on job.terminal.v1.
type TerminalStatus string

const (
	TerminalPass         TerminalStatus = "Pass"
	TerminalFail         TerminalStatus = "Fail"
	TerminalFailCanRetry TerminalStatus = "FailCanRetry"
)

// RemoteStatus is the full status vocabulary the external service may
// report from getStatus, before this system's Poll handler decides what
// (if anything) to do about it.
type RemoteStatus string

const (
	RemoteCreated      RemoteStatus = "Created"
	RemoteInprogress   RemoteStatus = "Inprogress"
	RemotePass         RemoteStatus = "Pass"
	RemoteFail         RemoteStatus = "Fail"
	RemoteFailCanRetry RemoteStatus = "FailCanRetry"
)

// FinalStatus is the outcome written back to the intake store and
// recorded on request.completed.v1.
type FinalStatus string

const (
	FinalPass FinalStatus = "Pass"
	FinalFail FinalStatus = "Fail"
)
