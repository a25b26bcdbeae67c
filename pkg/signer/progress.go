package signer

import "fmt"

// Stage is a step of a provision and sign run.
type Stage int

const (
	StageRegisteringDevice Stage = iota
	StageExtracting
	StageRegistering
	StageSigning
	StageInstalling
)

// Event reports progress. Bundle is set for per-bundle stages and
// Percent for StageInstalling.
type Event struct {
	Stage   Stage
	Bundle  string
	Percent int
}

func (e Event) String() string {
	switch e.Stage {
	case StageRegisteringDevice:
		return "registering device"
	case StageExtracting:
		return "extracting package"
	case StageRegistering:
		return "registering " + e.Bundle
	case StageSigning:
		return "signing " + e.Bundle
	case StageInstalling:
		return fmt.Sprintf("installing… %d%%", e.Percent)
	default:
		return fmt.Sprintf("stage %d", int(e.Stage))
	}
}

// ProgressFunc receives events in order from the goroutine running the
// operation.
type ProgressFunc func(Event)

// Emit calls f with e when f is set.
func (f ProgressFunc) Emit(e Event) {
	if f != nil {
		f(e)
	}
}
