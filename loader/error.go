// Package loader provides the error and failure primitives shared by the
// boot loader's memory, MMU and protocol packages.
package loader

// Error describes a boot error: an external condition (bad kernel image,
// insufficient memory, invalid load parameters) that aborts the current load
// attempt and surfaces a message to the interactive layer. Boot errors must
// be defined as global variables that are pointers to the Error structure;
// the target environment has no general-purpose allocator so errors.New and
// fmt.Errorf are not available.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
