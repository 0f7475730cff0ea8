// Package events defines canonical audit decision names.
//
// The names are stable because audit consumers filter on them.
package events

const (
	// CommandRejected captures envelopes rejected before processing.
	CommandRejected = "decision.command.rejected"
	// CommandRetry captures a retry granted by the envelope retry policy.
	CommandRetry = "decision.command.retry"
	// CommandTimeout captures envelopes cancelled by their deadline.
	CommandTimeout = "decision.command.timeout"
	// CommandJoined captures an envelope that joined an in-flight correlation.
	CommandJoined = "decision.command.joined"
	// SagaStarted captures a saga created from a template.
	SagaStarted = "decision.saga.started"
	// SagaStepRetry captures a step retried under its step-level policy.
	SagaStepRetry = "decision.saga.step_retry"
	// SagaCompensate captures the start of a compensation walk.
	SagaCompensate = "decision.saga.compensate"
	// SagaFinished captures a saga reaching a terminal status.
	SagaFinished = "decision.saga.finished"
	// JournalPersistFailed captures a non-fatal journal write failure.
	JournalPersistFailed = "decision.journal.persist_failed"
)
