package eventcore

import "fmt"

// StreamState is the expected state of a stream when appending.
type StreamState interface {
	isStreamState()
}

// Any means append without checking current revision.
type Any struct{}

func (Any) isStreamState() {}

// NoStream means the stream should not exist yet.
type NoStream struct{}

func (NoStream) isStreamState() {}

// StreamExists means the stream must exist.
type StreamExists struct{}

func (StreamExists) isStreamState() {}

// Revision matches exactly the last version of the stream.
type Revision uint64

func (Revision) isStreamState() {}

// CheckRevision validates an append against the current stream version.
// Stores call it while holding whatever lock or transaction guards the stream.
func CheckRevision(stream string, current uint64, expected StreamState) error {
	switch rev := expected.(type) {
	case nil, Any:
		return nil
	case NoStream:
		if current != 0 {
			return fmt.Errorf("stream %q: already exists: %w", stream, ErrStreamExists)
		}
	case StreamExists:
		if current == 0 {
			return fmt.Errorf("stream %q: should exist: %w", stream, ErrStreamNotFound)
		}
	case Revision:
		if current != uint64(rev) {
			return &StreamRevisionConflictError{
				Stream:   stream,
				Expected: uint64(rev),
				Actual:   current,
			}
		}
	default:
		return fmt.Errorf("unsupported revision type %T for stream %s: %w", expected, stream, ErrInvalidRevision)
	}
	return nil
}
