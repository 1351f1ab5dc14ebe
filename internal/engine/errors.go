package engine

// ValidationKind separates malformed requests from schema mismatches.
type ValidationKind string

const (
	MalformedInput ValidationKind = "malformed_input"
	SchemaMismatch ValidationKind = "schema_mismatch"
)

// ValidationError reports input a use case refused. Nothing was written.
type ValidationError struct {
	Kind    ValidationKind
	Work    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.Err }

func malformed(msg string) error {
	return &ValidationError{Kind: MalformedInput, Message: msg}
}
