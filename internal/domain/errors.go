package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrToolNotFound    = fmt.Errorf("tool not found")
	ErrInvalidToolName = fmt.Errorf("invalid qualified tool name")
	ErrConnect         = fmt.Errorf("tool provider connect failed")
	ErrStream          = fmt.Errorf("model stream failed")
	ErrMaxRounds       = fmt.Errorf("orchestration reached max rounds")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrEncryption      = fmt.Errorf("encryption operation failed")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Connect")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "llm"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for API responses and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeInvalidToolName ErrorCode = "INVALID_TOOL_NAME"
	CodeConnect         ErrorCode = "CONNECT_FAILED"
	CodeStream          ErrorCode = "STREAM_FAILED"
	CodeMaxRounds       ErrorCode = "MAX_ROUNDS"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeContextOverflow ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeToolFailure     ErrorCode = "TOOL_FAILURE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeSpawnTimeout     ErrorCode = "SPAWN_TIMEOUT"
	CodeToolTimeout      ErrorCode = "TOOL_TIMEOUT"
	CodeSessionInvalid   ErrorCode = "SESSION_NAME_INVALID"
	CodeArgumentsInvalid ErrorCode = "ARGUMENTS_INVALID"
	CodeUpstreamError    ErrorCode = "UPSTREAM_ERROR"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrSessionNotFound: CodeSessionNotFound,
	ErrToolNotFound:    CodeToolNotFound,
	ErrInvalidToolName: CodeInvalidToolName,
	ErrConnect:         CodeConnect,
	ErrStream:          CodeStream,
	ErrMaxRounds:       CodeMaxRounds,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrContextOverflow: CodeContextOverflow,
	ErrRateLimit:       CodeRateLimit,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrToolFailure:     CodeToolFailure,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry":   CodeSessionNotFound,
		"dispatcher": CodeToolNotFound,
	},
	ErrTimeout: {
		"registry":   CodeSpawnTimeout,
		"dispatcher": CodeToolTimeout,
	},
	ErrInvalidInput: {
		"registry":   CodeSessionInvalid,
		"dispatcher": CodeArgumentsInvalid,
	},
	ErrProviderError: {
		"llm": CodeUpstreamError,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
