package wsdriver

import "fmt"

// InvalidArgumentError is returned synchronously by operations that
// reject their argument before it ever touches connection state, such
// as SetInputBufferSize below MinBufferSize.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("wsdriver: invalid argument %s: %s", e.Arg, e.Reason)
}

// errAlreadyOpen is the concrete type behind ErrAlreadyOpen.
type errAlreadyOpen struct{}

func (errAlreadyOpen) Error() string { return "wsdriver: connection already opened" }

// ErrAlreadyOpen is the sentinel describing a second Open call. Open
// itself returns nothing and ignores calls after the first, so no
// operation in this package returns this value.
var ErrAlreadyOpen error = errAlreadyOpen{}
