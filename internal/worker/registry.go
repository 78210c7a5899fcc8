package worker

import "workflow.app/engine/internal/domain"

// NewRegistry wires the event catalog to the handler that reacts to each
// trigger type (spec §2, "event-chained control flow").
func NewRegistry(prepare, submit, poll, complete EventHandler) map[domain.EventType]EventHandler {
	return map[domain.EventType]EventHandler{
		domain.EventRequestDiscovered:  prepare,
		domain.EventSubmissionPrepared: submit,
		domain.EventJobPollRequested:   poll,
		domain.EventJobTerminal:        complete,
	}
}
