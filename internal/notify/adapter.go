package notify

import "context"

// Adapter is the uniform channel adapter contract. The engine holds one
// adapter per channel and never learns provider specifics; adapters classify
// every outcome into the apperr taxonomy and hold no references back into
// the engine.
//
// Adapters must be idempotent against a redelivered (job, attempt) pair:
// the provider message id recorded on the first acceptance is reused.
type Adapter interface {
	// Channel returns the channel this adapter serves.
	Channel() Channel

	// Send delivers a batch and returns one result per job, in batch input
	// order. A result with a nil error carries the provider message id.
	Send(ctx context.Context, jobs []*DeliveryJob) []ItemResult

	// HandleProviderCallback applies an asynchronous provider status event
	// to the delivery log, keyed by provider message id.
	HandleProviderCallback(ctx context.Context, ev ProviderEvent) error

	// Capabilities reports static adapter properties.
	Capabilities() Capabilities
}

// ResultsWithError builds a per-item result slice where every job failed
// with the same classified error. Used when a whole batch call fails.
func ResultsWithError(jobs []*DeliveryJob, err error) []ItemResult {
	out := make([]ItemResult, len(jobs))
	for i, j := range jobs {
		out[i] = ItemResult{JobID: j.ID, Err: err}
	}
	return out
}
