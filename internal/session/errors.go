package session

import (
	"errors"
	"fmt"

	"github.com/snarg/scribed/internal/source"
)

// ErrNoSourcesSelected means the user configured zero inputs. Distinguished
// from SourceUnavailableError because the remedy differs: pick a source
// versus pick a different, currently-live one.
var ErrNoSourcesSelected = errors.New("no audio sources selected")

// ErrSessionActive is returned by Start when a session is already running.
var ErrSessionActive = errors.New("session already active")

// SourceUnavailableError means a configured source failed liveness
// validation: a device absent from the live enumeration, or a tapped
// process that is not running.
type SourceUnavailableError struct {
	Name string
	Kind source.Kind
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("%s source %q is not currently available", e.Kind, e.Name)
}
