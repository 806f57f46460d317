package flowid

// Generator is implemented by the types that generate request tracing
// flow ids.
type Generator interface {
	// Generate returns a new flow id using the implementation specific format or an error in case of failure.
	Generate() (string, error)
	// MustGenerate behaves like Generate but panics on failure instead of returning an error.
	MustGenerate() string
	// IsValid checks if the given flow id follows the format of the generator.
	IsValid(string) bool
}
