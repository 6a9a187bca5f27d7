package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error values so callers can compare against them directly and
// no allocation takes place on the failure path.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
