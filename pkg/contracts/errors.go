package contracts

import (
	"fmt"
)

// ErrorCategory classifies kernel failures into the fixed taxonomy.
// Callers map categories to external responses without parsing messages.
type ErrorCategory string

const (
	// ErrCatValidation: input or output rejected by a contract schema.
	ErrCatValidation ErrorCategory = "CONTRACT_VALIDATION"
	// ErrCatRegistry: unknown or duplicate action version, or a
	// malformed contract at registration.
	ErrCatRegistry ErrorCategory = "CONTRACT_REGISTRY"
	// ErrCatMiddleware: a pipeline checkpoint (typically audit emission)
	// itself failed. Always fatal to the call.
	ErrCatMiddleware ErrorCategory = "MIDDLEWARE_EXECUTION"
	// ErrCatRuntime: the business executor threw; the original failure
	// is preserved as the wrapped cause.
	ErrCatRuntime ErrorCategory = "RUNTIME_EXECUTION"
	// ErrCatPolicy: an approval-gated action was attempted without a
	// covering grant. Raised by callers, never by the pipeline.
	ErrCatPolicy ErrorCategory = "POLICY_AUTHORIZATION"
)

// ValidationIssue is one structured schema violation.
type ValidationIssue struct {
	InstanceLocation string `json:"instance_location"`
	KeywordLocation  string `json:"keyword_location,omitempty"`
	Message          string `json:"message"`
}

// KernelError is the single error shape every kernel failure surfaces as:
// a category from the fixed taxonomy, a stable machine-readable code,
// structured details, and an optional wrapped cause.
type KernelError struct {
	Category ErrorCategory  `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As.
func (e *KernelError) Unwrap() error { return e.Cause }

// Is matches two kernel errors by category and code, so sentinel-style
// comparisons work without identity.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// NewValidationError reports a value rejected by schemaID.
func NewValidationError(code, schemaID, message string, issues []ValidationIssue) *KernelError {
	return &KernelError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
		Details: map[string]any{
			"schema_id": schemaID,
			"issues":    issues,
		},
	}
}

// NewRegistryError reports a registry defect (unknown key, duplicate
// key, or malformed contract).
func NewRegistryError(code, message string, details map[string]any) *KernelError {
	return &KernelError{Category: ErrCatRegistry, Code: code, Message: message, Details: details}
}

// NewMiddlewareError reports a failed pipeline checkpoint.
func NewMiddlewareError(code, checkpoint, message string, cause error) *KernelError {
	return &KernelError{
		Category: ErrCatMiddleware,
		Code:     code,
		Message:  message,
		Details:  map[string]any{"checkpoint": checkpoint},
		Cause:    cause,
	}
}

// NewRuntimeError normalizes an executor failure. An executor that
// already failed with a KernelError passes through unchanged.
func NewRuntimeError(actionID string, cause error) *KernelError {
	if ke, ok := cause.(*KernelError); ok {
		return ke
	}
	return &KernelError{
		Category: ErrCatRuntime,
		Code:     "EXECUTOR_FAILED",
		Message:  fmt.Sprintf("executor for %q failed", actionID),
		Details:  map[string]any{"action_id": actionID},
		Cause:    cause,
	}
}

// NewPolicyError reports an action blocked for lack of a covering grant.
func NewPolicyError(code, message string, details map[string]any) *KernelError {
	return &KernelError{Category: ErrCatPolicy, Code: code, Message: message, Details: details}
}

// AsKernelError extracts a *KernelError from err, if it is one.
func AsKernelError(err error) (*KernelError, bool) {
	ke, ok := err.(*KernelError)
	return ke, ok
}
