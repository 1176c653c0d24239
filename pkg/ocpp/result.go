package ocpp

import (
	"context"
	"errors"
	"fmt"
)

// ResultCode classifies how a request/response exchange ended locally.
type ResultCode string

const (
	ResultOK             ResultCode = "OK"
	ResultFiltered       ResultCode = "Filtered"
	ResultCouldNotParse  ResultCode = "CouldNotParse"
	ResultSignatureError ResultCode = "SignatureError"
	ResultTimeout        ResultCode = "Timeout"
	ResultNetworkError   ResultCode = "NetworkError"
	ResultCancelled      ResultCode = "Cancelled"
	ResultCallError      ResultCode = "CallError"
	ResultNoHandler      ResultCode = "NoHandler"
	ResultInternalError  ResultCode = "InternalError"
	ResultUnavailable    ResultCode = "Unavailable"
)

// Result is attached to every response so callers can tell a genuine answer
// from a locally synthesized one.
type Result struct {
	Code        ResultCode
	Description string
}

func OK() Result { return Result{Code: ResultOK} }

func NewResult(code ResultCode, format string, args ...any) Result {
	return Result{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (r Result) IsOK() bool { return r.Code == ResultOK || r.Code == "" }

func (r Result) String() string {
	if r.Description == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Description
}

// ResultError carries a Result through an error return.
type ResultError struct {
	Result Result
	Err    error
}

func (e *ResultError) Error() string {
	if e.Err != nil {
		return e.Result.String() + ": " + e.Err.Error()
	}
	return e.Result.String()
}

func (e *ResultError) Unwrap() error { return e.Err }

// Errorf wraps a result code into an error.
func Errorf(code ResultCode, format string, args ...any) error {
	return &ResultError{Result: NewResult(code, format, args...)}
}

// WrapError tags err with code.
func WrapError(code ResultCode, err error) error {
	if err == nil {
		return nil
	}
	return &ResultError{Result: Result{Code: code, Description: err.Error()}, Err: err}
}

// ResultFromError classifies err. Nil maps to an internal error because a
// missing response with no cause is itself a defect.
func ResultFromError(err error) Result {
	var re *ResultError
	switch {
	case err == nil:
		return Result{Code: ResultInternalError, Description: "no response"}
	case errors.As(err, &re):
		return re.Result
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Code: ResultTimeout, Description: err.Error()}
	case errors.Is(err, context.Canceled):
		return Result{Code: ResultCancelled, Description: err.Error()}
	default:
		return Result{Code: ResultNetworkError, Description: err.Error()}
	}
}

// Fallback is the single place where an exchange outcome becomes a response.
// A non-nil resp with no error is returned as is; every other combination
// yields failed(req, result) so callers always receive a typed answer.
func Fallback(req Request, resp Response, err error, failed func(Request, Result) Response) Response {
	if err == nil && resp != nil {
		if resp.Result().Code == "" {
			resp.SetResult(OK())
		}
		return resp
	}
	return failed(req, ResultFromError(err))
}
