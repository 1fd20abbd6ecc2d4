package submission

const (
	EventStored  = "submission.stored"
	EventPartial = "submission.partial"
	EventFailed  = "submission.failed"
)

type Event struct {
	Type               string   `json:"type"`
	AttemptID          string   `json:"attemptId"`
	Mode               string   `json:"mode"`
	RecordID           string   `json:"recordId,omitempty"`
	Timestamp          string   `json:"timestamp,omitempty"`
	Skipped            []string `json:"skippedCollections,omitempty"`
	Failed             []string `json:"failedCollections,omitempty"`
	DuplicateSuspected bool     `json:"duplicateSuspected,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// EventSink receives one event per submission that reached allocation.
// Publish must not block the submission.
type EventSink interface {
	Publish(Event)
}
