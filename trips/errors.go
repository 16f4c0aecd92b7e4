package trips

import "fmt"

type Code string

const (
	CodeRequestAlreadyTaken Code = "REQUEST_ALREADY_TAKEN"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeTripNotFound        Code = "TRIP_NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
)

// Rejection is an expected protocol outcome, not a system fault. Match it with
// errors.Is against the Err* values; only the code is compared.
type Rejection struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

var (
	ErrRequestAlreadyTaken = &Rejection{Code: CodeRequestAlreadyTaken, Message: "request no longer available"}
	ErrInvalidTransition   = &Rejection{Code: CodeInvalidTransition, Message: "invalid action, trip already advanced"}
	ErrTripNotFound        = &Rejection{Code: CodeTripNotFound, Message: "trip not found"}
	ErrForbidden           = &Rejection{Code: CodeForbidden, Message: "not a participant of this trip"}
	ErrInvalidRequest      = &Rejection{Code: CodeInvalidRequest, Message: "invalid request"}
)

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}
