package model

import "time"

// WorkItemStatus is the lifecycle status carried by both the aggregate and
// the projection.
type WorkItemStatus string

const (
	StatusInProgress WorkItemStatus = "InProgress"
	StatusPass       WorkItemStatus = "Pass"
	StatusFail       WorkItemStatus = "Fail"
)

func (s WorkItemStatus) IsTerminal() bool {
	return s == StatusPass || s == StatusFail
}

// RequestProjection is the derived read model backing "what needs
// polling now?" queries. It is rebuilt by reducing (current, event) pairs.
type RequestProjection struct {
	ID                      RequestId // == RequestID
	RequestID               RequestId
	PartitionKey            string
	RowKey                  string
	Status                  WorkItemStatus
	SubmitAttemptCount      int
	NextPollAtUTC           *time.Time
	ExternalJobID           *string
	LastAppliedEventVersion int
	UpdatedUTC              time.Time
}
