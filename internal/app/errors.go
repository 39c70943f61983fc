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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Taxonomy: validation and conflict failures are client bugs or stale state
// and answer 400; authorization answers 403; missing sessions answer 404.
// None of them are retried automatically.

func validationError(message string) *DomainError {
	return domainError(400, "VALIDATION_ERROR", message, nil)
}

func authorizationError(message string) *DomainError {
	return domainError(403, "AUTHORIZATION_ERROR", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(400, "CONFLICT", message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message, nil)
}
