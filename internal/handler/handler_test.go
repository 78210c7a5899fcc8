package handler_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/handler"
	"workflow.app/engine/internal/model"
)

// newTestDeps wires the in-memory fakes into a handler.Deps with a fixed
// clock, mirroring how the real cmd/* entrypoints wire the pgx/Redis
// adapters but swapping every collaborator for an in-memory fake.
func newTestDeps(now time.Time, external *fakeExternalClient, publisher *fakePublisher) (handler.Deps, *fakeEventStore, *fakeProjectionRepository, *fakeIntakeRepository, *fakeIdempotencyStore) {
	events := newFakeEventStore()
	projections := newFakeProjectionRepository()
	idem := newFakeIdempotencyStore()

	deps := handler.Deps{
		Events:      events,
		Projections: projections,
		Intake:      nil,
		Idempotency: idem,
		External:    external,
		Publisher:   publisher,
		Config:      handler.DefaultConfig(),
		Source:      "urn:test",
		Clock:       func() time.Time { return now },
	}
	return deps, events, projections, nil, idem
}

func messageFrom(event publishedEvent, data []byte, attempt int) bus.Message {
	correlationID := event.Subject
	return bus.Message{
		ID:            "redis-" + event.EventID,
		EventID:       event.EventID,
		EventType:     event.Type,
		Subject:       event.Subject,
		CorrelationID: &correlationID,
		Attempt:       attempt,
		Data:          json.RawMessage(data),
	}
}

var _ = Describe("workflow event chain", func() {
	var (
		ctx       context.Context
		now       time.Time
		external  *fakeExternalClient
		publisher *fakePublisher
		deps      handler.Deps
		intake    *fakeIntakeRepository
		row       model.IntakeRow
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
		external = newFakeExternalClient()
		publisher = newFakePublisher()

		var events *fakeEventStore
		var projections *fakeProjectionRepository
		var idem *fakeIdempotencyStore
		deps, events, projections, _, idem = newTestDeps(now, external, publisher)
		_ = events
		_ = projections
		_ = idem

		row = model.IntakeRow{PartitionKey: "demo", RowKey: "row-1", Status: model.IntakeUnprocessed, ETag: "etag-0"}
		intake = newFakeIntakeRepository(row)
		deps.Intake = intake
	})

	Describe("Discover", func() {
		It("claims an eligible row and publishes request.discovered.v1 exactly once per row", func() {
			discover := handler.NewDiscoverHandler(deps)

			Expect(discover.Tick(ctx)).To(Succeed())
			Expect(publisher.countByType(domain.EventRequestDiscovered)).To(Equal(1))

			Expect(discover.Tick(ctx)).To(Succeed())
			Expect(publisher.countByType(domain.EventRequestDiscovered)).To(Equal(1),
				"a row already claimed is InProgress with a fresh lease and should not be rediscovered")
		})
	})

	Describe("the full happy-path chain", func() {
		It("drives a request from discovery to completion with at most one event of each type", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed())
			Expect(publisher.countByType(domain.EventRequestDiscovered)).To(Equal(1))

			discoveredMsg := messageFrom(publisher.published[0], mustJSON(domain.DiscoveredPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
			}), 1)

			prepare := handler.NewPrepareSubmissionHandler(deps)
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(1))

			preparedMsg := messageFrom(publisher.published[1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 1,
			}), 1)

			submit := handler.NewSubmitJobHandler(deps)
			Expect(submit.Handle(ctx, preparedMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventJobSubmitted)).To(Equal(1))
			Expect(external.createJobN).To(Equal(1))

			jobID := "job-" + requestID.String()
			external.statusFor[jobID] = domain.RemotePass

			pollMsg := messageFrom(publishedEvent{EventID: "poll-trigger-1", Type: string(domain.EventJobPollRequested), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PollRequestedPayload{RequestID: string(requestID), ExternalJobID: jobID, Attempt: 1}), 1)

			poll := handler.NewPollExternalJobHandler(deps)
			Expect(poll.Handle(ctx, pollMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventJobTerminal)).To(Equal(1))

			terminalMsg := messageFrom(publisher.published[len(publisher.published)-1], mustJSON(domain.TerminalPayload{
				RequestID: string(requestID), ExternalJobID: jobID, TerminalStatus: domain.TerminalPass, Attempt: 1,
			}), 1)

			complete := handler.NewCompleteRequestHandler(deps)
			Expect(complete.Handle(ctx, terminalMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventRequestCompleted)).To(Equal(1))

			Expect(intake.rows[row.PartitionKey+"|"+row.RowKey].Status).To(Equal(model.IntakePass))
		})
	})

	Describe("idempotent redelivery", func() {
		It("redelivering the same triggering message to PrepareSubmission is a no-op the second time", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed())

			discoveredMsg := messageFrom(publisher.published[0], mustJSON(domain.DiscoveredPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
			}), 1)

			prepare := handler.NewPrepareSubmissionHandler(deps)
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(1))

			// Same message redelivered (at-least-once bus semantics): the
			// idempotency lease is already Completed for this event id, so
			// the handler must skip without appending or publishing again.
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())
			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(1))
		})
	})

	Describe("retry within budget", func() {
		It("prepares a second attempt after a retryable failure and completes on the retry", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed())

			discoveredMsg := messageFrom(publisher.published[0], mustJSON(domain.DiscoveredPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
			}), 1)

			prepare := handler.NewPrepareSubmissionHandler(deps)
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())

			preparedMsg1 := messageFrom(publisher.published[1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 1,
			}), 1)

			submit := handler.NewSubmitJobHandler(deps)
			Expect(submit.Handle(ctx, preparedMsg1)).To(Succeed())
			Expect(external.createJobN).To(Equal(1))

			jobID1 := "job-" + requestID.String()
			external.statusFor[jobID1] = domain.RemoteFailCanRetry

			pollMsg1 := messageFrom(publishedEvent{EventID: "poll-trigger-1", Type: string(domain.EventJobPollRequested), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PollRequestedPayload{RequestID: string(requestID), ExternalJobID: jobID1, Attempt: 1}), 1)

			poll := handler.NewPollExternalJobHandler(deps)
			Expect(poll.Handle(ctx, pollMsg1)).To(Succeed())

			Expect(publisher.countByType(domain.EventJobTerminal)).To(Equal(0),
				"a retryable failure within budget must not emit a terminal event")
			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(2),
				"poll must prepare attempt 2 after the retryable failure")

			preparedMsg2 := messageFrom(publisher.published[len(publisher.published)-1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 2,
			}), 1)

			Expect(submit.Handle(ctx, preparedMsg2)).To(Succeed())
			Expect(external.createJobN).To(Equal(2))
			Expect(publisher.countByType(domain.EventJobSubmitted)).To(Equal(2))

			jobID2 := "job-" + requestID.String()
			external.statusFor[jobID2] = domain.RemotePass

			pollMsg2 := messageFrom(publishedEvent{EventID: "poll-trigger-2", Type: string(domain.EventJobPollRequested), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PollRequestedPayload{RequestID: string(requestID), ExternalJobID: jobID2, Attempt: 2}), 1)

			Expect(poll.Handle(ctx, pollMsg2)).To(Succeed())
			Expect(publisher.countByType(domain.EventJobTerminal)).To(Equal(1))

			terminalMsg := messageFrom(publisher.published[len(publisher.published)-1], mustJSON(domain.TerminalPayload{
				RequestID: string(requestID), ExternalJobID: jobID2, TerminalStatus: domain.TerminalPass, Attempt: 2,
			}), 1)

			complete := handler.NewCompleteRequestHandler(deps)
			Expect(complete.Handle(ctx, terminalMsg)).To(Succeed())
			Expect(intake.rows[row.PartitionKey+"|"+row.RowKey].Status).To(Equal(model.IntakePass))
		})
	})

	Describe("retry exhaustion", func() {
		It("emits a terminal fail once the retry budget is exhausted", func() {
			deps.Config.MaxSubmitAttempts = 2

			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed())

			discoveredMsg := messageFrom(publisher.published[0], mustJSON(domain.DiscoveredPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
			}), 1)

			prepare := handler.NewPrepareSubmissionHandler(deps)
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())

			preparedMsg1 := messageFrom(publisher.published[1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 1,
			}), 1)

			submit := handler.NewSubmitJobHandler(deps)
			Expect(submit.Handle(ctx, preparedMsg1)).To(Succeed())

			jobID := "job-" + requestID.String()
			external.statusFor[jobID] = domain.RemoteFailCanRetry

			pollMsg1 := messageFrom(publishedEvent{EventID: "poll-trigger-1", Type: string(domain.EventJobPollRequested), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PollRequestedPayload{RequestID: string(requestID), ExternalJobID: jobID, Attempt: 1}), 1)

			poll := handler.NewPollExternalJobHandler(deps)
			Expect(poll.Handle(ctx, pollMsg1)).To(Succeed())
			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(2))

			preparedMsg2 := messageFrom(publisher.published[len(publisher.published)-1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 2,
			}), 1)

			Expect(submit.Handle(ctx, preparedMsg2)).To(Succeed())
			Expect(external.createJobN).To(Equal(2))

			pollMsg2 := messageFrom(publishedEvent{EventID: "poll-trigger-2", Type: string(domain.EventJobPollRequested), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PollRequestedPayload{RequestID: string(requestID), ExternalJobID: jobID, Attempt: 2}), 1)

			// attempt 2 is still FailCanRetry, but nextAttempt (3) exceeds the
			// budget of 2, so poll must coerce this to a terminal fail rather
			// than preparing a third attempt.
			Expect(poll.Handle(ctx, pollMsg2)).To(Succeed())

			Expect(publisher.countByType(domain.EventSubmissionPrepared)).To(Equal(2),
				"no third attempt should be prepared once the budget is exhausted")
			Expect(publisher.countByType(domain.EventJobTerminal)).To(Equal(1))

			terminalMsg := messageFrom(publisher.published[len(publisher.published)-1], mustJSON(domain.TerminalPayload{
				RequestID: string(requestID), ExternalJobID: jobID, TerminalStatus: domain.TerminalFail, Attempt: 2,
			}), 1)
			complete := handler.NewCompleteRequestHandler(deps)
			Expect(complete.Handle(ctx, terminalMsg)).To(Succeed())
			Expect(intake.rows[row.PartitionKey+"|"+row.RowKey].Status).To(Equal(model.IntakeFail))
		})
	})

	Describe("concurrent claim", func() {
		It("swallows the loser's concurrency conflict on a racing request.discovered.v1 append", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			// Simulate a second Discover worker that already won the race and
			// appended request.discovered.v1 at version 1 before this
			// worker's own append attempt lands.
			_, err = deps.Events.Append(ctx, string(requestID), []model.EventToAppend{{
				EventID:     "winner-discovered",
				EventType:   string(domain.EventRequestDiscovered),
				OccurredUTC: now,
				Data: mustJSON(domain.DiscoveredPayload{
					RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
				}),
			}}, intPtrForTest(0))
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed(),
				"the loser's expectedVersion=0 conflict against the winner's already-appended event must be swallowed, not surfaced as an error")

			Expect(publisher.countByType(domain.EventRequestDiscovered)).To(Equal(0),
				"the loser never published; only the winning worker's append (simulated here, not through this handler) would have")

			stream, err := deps.Events.ReadStream(ctx, string(requestID))
			Expect(err).NotTo(HaveOccurred())
			Expect(stream).To(HaveLen(1), "the loser's append must not have landed a second event")
		})
	})

	Describe("crash after append, before publish", func() {
		It("republishes the already-appended event on redelivery instead of appending or submitting again", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			discover := handler.NewDiscoverHandler(deps)
			Expect(discover.Tick(ctx)).To(Succeed())

			discoveredMsg := messageFrom(publisher.published[0], mustJSON(domain.DiscoveredPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey,
			}), 1)

			prepare := handler.NewPrepareSubmissionHandler(deps)
			Expect(prepare.Handle(ctx, discoveredMsg)).To(Succeed())

			preparedMsg := messageFrom(publisher.published[1], mustJSON(domain.PreparedPayload{
				RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: 1,
			}), 1)

			submit := handler.NewSubmitJobHandler(deps)

			// First delivery: job.submitted.v1 is appended, but the process
			// crashes before the event reaches the bus, so the idempotency
			// lease is never marked completed.
			publisher.failNext = true
			Expect(submit.Handle(ctx, preparedMsg)).To(HaveOccurred())
			Expect(external.createJobN).To(Equal(1))
			Expect(publisher.countByType(domain.EventJobSubmitted)).To(Equal(0),
				"the simulated crash must have prevented the publish from landing")

			stream, err := deps.Events.ReadStream(ctx, string(requestID))
			Expect(err).NotTo(HaveOccurred())
			submittedCount := 0
			for _, e := range stream {
				if e.EventType == string(domain.EventJobSubmitted) {
					submittedCount++
				}
			}
			Expect(submittedCount).To(Equal(1), "job.submitted.v1 must have been appended despite the crash")

			// Bus redelivers the same triggering message. The handler must
			// find hasSubmitted(1)=true and republish from the stored event
			// rather than calling the external service or appending again.
			Expect(submit.Handle(ctx, preparedMsg)).To(Succeed())
			Expect(external.createJobN).To(Equal(1), "redelivery must not create a second external job")
			Expect(publisher.countByType(domain.EventJobSubmitted)).To(Equal(1),
				"redelivery must republish the one stored job.submitted.v1, not append a second one")

			stream, err = deps.Events.ReadStream(ctx, string(requestID))
			Expect(err).NotTo(HaveOccurred())
			submittedCount = 0
			for _, e := range stream {
				if e.EventType == string(domain.EventJobSubmitted) {
					submittedCount++
				}
			}
			Expect(submittedCount).To(Equal(1), "no duplicate append on redelivery")
		})
	})

	Describe("submit attempt budget", func() {
		It("never submits past MaxSubmitAttempts", func() {
			requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
			Expect(err).NotTo(HaveOccurred())

			submit := handler.NewSubmitJobHandler(deps)

			tooHighAttempt := deps.Config.MaxSubmitAttempts + 1
			msg := messageFrom(publishedEvent{EventID: "prepared-over-budget", Type: string(domain.EventSubmissionPrepared), Subject: bus.Subject(string(requestID))},
				mustJSON(domain.PreparedPayload{RequestID: string(requestID), PartitionKey: row.PartitionKey, RowKey: row.RowKey, Attempt: tooHighAttempt}), 1)

			Expect(submit.Handle(ctx, msg)).To(Succeed())
			Expect(external.createJobN).To(Equal(0), "an out-of-bounds attempt must be discarded, not submitted")
		})
	})
})

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func intPtrForTest(v int) *int { return &v }
