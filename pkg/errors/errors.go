package errors

import (
	"fmt"
)

// ParseError represents a manifest or configuration parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Field   string
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

// NewFieldParseError constructs a ParseError that names the malformed field.
func NewFieldParseError(path, field string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Field: field, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	location := e.Path
	if e.Line > 0 {
		location = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if e.Field != "" {
		return fmt.Sprintf("parse error: %s: field %q: %s", location, e.Field, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", location, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures manifest or configuration validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LoadError reports a failure to turn a plugin binary into a usable plugin:
// missing file, missing symbol, malformed manifest or a panic during load.
type LoadError struct {
	Path   string
	Plugin string
	Err    error
}

// NewLoadError constructs a LoadError.
func NewLoadError(path, plugin string, err error) error {
	return &LoadError{Path: path, Plugin: plugin, Err: err}
}

func (e *LoadError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Plugin != "" && e.Path != "":
		return fmt.Sprintf("load error [%s] %s: %v", e.Plugin, e.Path, e.Err)
	case e.Plugin != "":
		return fmt.Sprintf("load error [%s]: %v", e.Plugin, e.Err)
	case e.Path != "":
		return fmt.Sprintf("load error %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("load error: %v", e.Err)
}

// Unwrap exposes the underlying error.
func (e *LoadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InitializationError indicates a plugin lifecycle hook returned failure.
type InitializationError struct {
	Plugin string
	Phase  string
	Err    error
}

// NewInitializationError constructs an InitializationError for the given lifecycle phase.
func NewInitializationError(plugin, phase string, err error) error {
	return &InitializationError{Plugin: plugin, Phase: phase, Err: err}
}

func (e *InitializationError) Error() string {
	if e == nil {
		return ""
	}
	phase := e.Phase
	if phase == "" {
		phase = "init"
	}
	return fmt.Sprintf("initialization error [%s] during %s: %v", e.Plugin, phase, e.Err)
}

// Unwrap exposes the underlying error.
func (e *InitializationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StageError represents a stage that failed to execute or could not be
// satisfied while building a pipeline.
type StageError struct {
	StageID string
	Err     error
}

// NewStageError constructs a StageError.
func NewStageError(stageID string, err error) error {
	return &StageError{StageID: stageID, Err: err}
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.StageID != "" {
		return fmt.Sprintf("stage error on %s: %v", e.StageID, e.Err)
	}
	return fmt.Sprintf("stage error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExecutionError represents a runtime failure outside of a single stage.
type ExecutionError struct {
	StageID string
	Err     error
}

// NewExecutionError constructs an ExecutionError.
func NewExecutionError(stageID string, err error) error {
	return &ExecutionError{StageID: stageID, Err: err}
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.StageID != "" {
		return fmt.Sprintf("execution error on stage %s: %v", e.StageID, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
