// Package kernel holds the primitives shared by every subsystem of the
// simulated virtual-memory core: ram, task, mmu and pager.
package kernel

// Error describes an error raised by one of the core subsystems. All
// subsystem errors are defined as package-level variables that are pointers
// to Error so that callers and tests can compare against a named sentinel
// instead of a bare integer.
//
// Code carries the exact negative value each operation must return to its
// caller; Module and Message exist for diagnostics and log output only and
// are never part of that contract.
type Error struct {
	// Module is the subsystem where the error originated (e.g. "ram", "mmu").
	Module string

	// Message is a human-readable description of the error.
	Message string

	// Code is the exact negative error code the public API must return.
	Code int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
