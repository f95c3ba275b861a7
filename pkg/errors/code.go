package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Run request errors
// 13100-13199: Engine & container lifecycle errors
// 13200-13299: Artifact & reporting errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Run Request Errors (13000-13099) ==========

	RunRequestInvalid ErrorCode = 13000
	CommandParseError ErrorCode = 13001

	// ========== Engine & Lifecycle Errors (13100-13199) ==========

	RuntimeUnavailable    ErrorCode = 13100
	ContainerCreateFailed ErrorCode = 13101
	ContainerStartFailed  ErrorCode = 13102
	RunTimeout            ErrorCode = 13103
	NonzeroExit           ErrorCode = 13104
	EngineParseError      ErrorCode = 13105

	// ========== Artifact & Reporting Errors (13200-13299) ==========

	ArtifactsUnavailable ErrorCode = 13200
	ArtifactWriteFailed  ErrorCode = 13201
	ArchiveUploadFailed  ErrorCode = 13202
	StatusPublishFailed  ErrorCode = 13203
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError: "Cache operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	RunRequestInvalid: "Invalid run request",
	CommandParseError: "Failed to parse command line",

	RuntimeUnavailable:    "Container engine is unavailable",
	ContainerCreateFailed: "Failed to create container",
	ContainerStartFailed:  "Failed to start container",
	RunTimeout:            "Run timed out",
	NonzeroExit:           "Container exited with non-zero code",
	EngineParseError:      "Failed to parse engine output",

	ArtifactsUnavailable: "Artifacts directory is unavailable",
	ArtifactWriteFailed:  "Failed to write artifact",
	ArchiveUploadFailed:  "Failed to upload artifact archive",
	StatusPublishFailed:  "Failed to publish run status",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitCode returns the process exit code the CLI uses for the error code
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c == InvalidParams, c >= 10300 && c < 10400, c >= 13000 && c < 13100:
		return 2
	case c == RuntimeUnavailable:
		return 3
	case c == RunTimeout:
		return 124
	default:
		return 1
	}
}
