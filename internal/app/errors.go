package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode and ErrorMessage let the realtime gateway shape error acks
// without depending on this package.
func (e *DomainError) ErrorCode() string { return e.Code }

func (e *DomainError) ErrorMessage() string { return e.Message }

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
