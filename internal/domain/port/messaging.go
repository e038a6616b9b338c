package port

import "context"

// StatusPublisher emits export job status transitions to interested
// consumers (UI shells, downstream services).
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg []byte) error
}

// DLQPublisher parks permanently failed export requests.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg []byte, reason string) error
}
