package app

import (
	"fmt"
	"net/http"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}

func forbidden(code, message string) *DomainError {
	return domainError(http.StatusForbidden, code, message, nil)
}

func unauthorized(code, message string) *DomainError {
	return domainError(http.StatusUnauthorized, code, message, nil)
}

func badRequest(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}
