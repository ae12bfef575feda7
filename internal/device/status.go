package device

import "fmt"

// Status is a library return code. The values follow cusparseStatus_t so the
// host and CUDA devices report failures the same way.
type Status int

const (
	StatusSuccess               Status = 0
	StatusNotInitialized        Status = 1
	StatusAllocFailed           Status = 2
	StatusInvalidValue          Status = 3
	StatusArchMismatch          Status = 4
	StatusMappingError          Status = 5
	StatusExecutionFailed       Status = 6
	StatusInternalError         Status = 7
	StatusMatrixTypeUnsupported Status = 8
	StatusZeroPivot             Status = 9
	StatusNotSupported          Status = 10
	StatusInsufficientResources Status = 11
)

var statusNames = map[Status]string{
	StatusSuccess:               "success",
	StatusNotInitialized:        "not initialized",
	StatusAllocFailed:           "allocation failed",
	StatusInvalidValue:          "invalid value",
	StatusArchMismatch:          "architecture mismatch",
	StatusMappingError:          "mapping error",
	StatusExecutionFailed:       "execution failed",
	StatusInternalError:         "internal error",
	StatusMatrixTypeUnsupported: "matrix type not supported",
	StatusZeroPivot:             "zero pivot",
	StatusNotSupported:          "not supported",
	StatusInsufficientResources: "insufficient resources",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %d", int(s))
}

// StatusError is a non-success status returned by a library call.
type StatusError struct {
	Lib    string
	Op     string
	Status Status
	// Detail carries the library's own message when it has one.
	Detail string
}

func (e *StatusError) Error() string {
	msg := e.Status.String()
	if e.Detail != "" {
		msg = e.Detail
	}
	return fmt.Sprintf("%s %s failed: %s (%d)", e.Lib, e.Op, msg, int(e.Status))
}

// Check converts a status into an error. It returns nil exactly when the
// status is StatusSuccess.
func Check(lib, op string, status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return &StatusError{Lib: lib, Op: op, Status: status}
}

// CheckDetail is Check with a library-provided message.
func CheckDetail(lib, op string, status Status, detail string) error {
	if status == StatusSuccess {
		return nil
	}
	return &StatusError{Lib: lib, Op: op, Status: status, Detail: detail}
}
