package app

import (
	"fmt"
	"net/http"
)

const (
	codeUnauthorized       = "UNAUTHORIZED"
	codeForbidden          = "FORBIDDEN"
	codeNotFound           = "NOT_FOUND"
	codeMethodNotSupported = "METHOD_NOT_SUPPORTED"
	codeConflict           = "CONFLICT"
	codeInvalidBody        = "INVALID_BODY"
	codeValidation         = "VALIDATION_ERROR"
	codeExportUnavailable  = "EXPORT_UNAVAILABLE"
	codeStorageUnavailable = "STORAGE_UNAVAILABLE"
	codeInternal           = "INTERNAL_SERVER_ERROR"
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

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, codeForbidden, message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, message, nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, details)
}

func conflict(message string, details any) *DomainError {
	return domainError(http.StatusConflict, codeConflict, message, details)
}
