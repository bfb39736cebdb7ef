package storage

import (
	stderrors "errors"
	"io/fs"

	goerrors "github.com/agilira/go-errors"
)

// Error codes returned by storage providers.
const (
	ErrCodeNotFound      goerrors.ErrorCode = "STORAGE_1001"
	ErrCodeAlreadyExists goerrors.ErrorCode = "STORAGE_1002"
	ErrCodePermission    goerrors.ErrorCode = "STORAGE_1003"
	ErrCodeInvalidPath   goerrors.ErrorCode = "STORAGE_1004"
	ErrCodeIO            goerrors.ErrorCode = "STORAGE_1005"
	ErrCodeNotDirectory  goerrors.ErrorCode = "STORAGE_1006"
	ErrCodeCanceled      goerrors.ErrorCode = "STORAGE_1007"
)

func newError(code goerrors.ErrorCode, op, path, message string) *goerrors.Error {
	return goerrors.New(code, message).
		WithContext("op", op).
		WithContext("path", path).
		WithSeverity("error")
}

// wrapError classifies an os-level failure into a coded storage error.
func wrapError(cause error, op, path string) *goerrors.Error {
	if cause == nil {
		return nil
	}
	code := ErrCodeIO
	message := "storage operation failed"
	switch {
	case stderrors.Is(cause, fs.ErrNotExist):
		code, message = ErrCodeNotFound, "path does not exist"
	case stderrors.Is(cause, fs.ErrExist):
		code, message = ErrCodeAlreadyExists, "path already exists"
	case stderrors.Is(cause, fs.ErrPermission):
		code, message = ErrCodePermission, "permission denied"
	}
	return goerrors.Wrap(cause, code, message).
		WithUserMessage(cause.Error()).
		WithContext("op", op).
		WithContext("path", path).
		WithSeverity("error")
}

// Code returns the storage error code carried by err, or "" when err is not a
// storage error.
func Code(err error) goerrors.ErrorCode {
	var coded *goerrors.Error
	if stderrors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}
