package api

import "errors"

var ErrInvalidRequest = errors.New("invalid_request")

// invalidRequestError names the offending request field in param so the
// error body can point at it.
type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

// requestParam returns the field an invalid request error refers to.
func requestParam(err error) string {
	var ir invalidRequestError
	if errors.As(err, &ir) {
		return ir.param
	}
	return ""
}
