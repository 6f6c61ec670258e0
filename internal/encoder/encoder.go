// Package encoder abstracts the hardware/process video encoder behind a
// capability interface. The recording controller owns at most one Backend
// per camera at a time and allocates a fresh one for every segment.
package encoder

// Surface identifies the encoder's input side. Every prepared Backend
// exposes a fresh Surface; callers compare pointers to detect when the
// capture pipeline must be rebound to a new input.
type Surface struct {
	path string
}

// NewSurface wraps a raw input path in a Surface handle. Intended for
// Backend implementations and test doubles; consumers only compare the
// handles they are given.
func NewSurface(path string) *Surface {
	return &Surface{path: path}
}

// Path returns the filesystem path the capture session writes raw frames to.
func (s *Surface) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Backend is the contract a concrete encoder must implement.
//
// Prepare binds the backend to an output file and frame dimensions.
// Start begins encoding. Stop is best-effort: callers treat any error as
// "already stopped". Release tears down unconditionally and is idempotent.
type Backend interface {
	Prepare(outputPath string, width, height int) error
	Start() error
	Stop() error
	Release()

	// Surface returns the input surface of the prepared backend, or nil
	// before Prepare succeeds.
	Surface() *Surface
}

// Factory allocates a new, unprepared Backend. The controller calls it
// once per segment.
type Factory func() Backend
