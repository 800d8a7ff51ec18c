package assembler

// AssemblyError reports that no final audio could be produced.
type AssemblyError struct {
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Err == nil {
		return "assembly: " + e.Reason
	}
	return "assembly: " + e.Reason + ": " + e.Err.Error()
}

func (e *AssemblyError) Unwrap() error { return e.Err }
