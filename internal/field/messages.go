package field

// messages.go maps upload errors to user-facing text with a support code.
//
// # Error Codes Reference
//
// # File Errors (FILE001-FILE099)
//
// Raised by the engine's restrictions when a file is added:
//
//	FILE001 - File too large: File exceeds the maximum size
//	          Action: Choose a smaller file
//	          Patterns: "file too large", "request body too large"
//
//	FILE002 - File type: This type of file is not accepted
//	          Action: Choose a file of an accepted type
//	          Patterns: "file type not allowed"
//
//	FILE003 - Too many files: The field already holds the maximum number of files
//	          Action: Remove a file before adding another
//	          Patterns: "you can only upload"
//
//	FILE004 - No file: No file was selected
//	          Action: Please select a file to upload
//	          Patterns: "no file provided"
//
//	FILE005 - Unknown file: The file is no longer in the field
//	          Action: Reload the field
//	          Patterns: "file not found"
//
//	FILE006 - Wrong state: The file cannot do that right now
//	          Action: Reload the field to see its current state
//	          Patterns: "cannot do that in its current state"
//
// # Upload Errors (UPL001-UPL099)
//
// Raised while a file is transferred to the upload endpoint:
//
//	UPL001 - Request timeout: The upload timed out
//	         Patterns: "context deadline exceeded", "timeout"
//
//	UPL002 - Upload cancelled: The upload was cancelled
//	         Patterns: "context canceled", "upload cancelled"
//
//	UPL003 - System busy: Too many uploads in progress
//	         Patterns: "too many concurrent uploads"
//
//	UPL004 - Field closed: The upload field was closed
//	         Patterns: "upload engine closed"
//
//	UPL005 - Rejected by server: The upload endpoint refused the file
//	         Patterns: "upload endpoint returned"
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited: Too many requests
//	          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when no pattern matches. Check the logs for the original error.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgTooLarge = UserMessage{
		Message: "File exceeds the maximum size",
		Action:  "Choose a smaller file",
		Code:    "FILE001",
	}
	msgTimeout = UserMessage{
		Message: "The upload timed out",
		Action:  "Check your connection and try again",
		Code:    "UPL001",
	}
	msgCancelled = UserMessage{
		Message: "The upload was cancelled",
		Action:  "Add the file again when ready",
		Code:    "UPL002",
	}
)

var errorPatterns = []errorPattern{
	// File errors (FILE001-FILE006)
	{pattern: "file too large", msg: msgTooLarge},
	{pattern: "request body too large", msg: msgTooLarge},
	{
		pattern: "file type not allowed",
		msg: UserMessage{
			Message: "This type of file is not accepted",
			Action:  "Choose a file of an accepted type",
			Code:    "FILE002",
		},
	},
	{
		pattern: "you can only upload",
		msg: UserMessage{
			Message: "The field already holds the maximum number of files",
			Action:  "Remove a file before adding another",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a file to upload",
			Code:    "FILE004",
		},
	},
	{
		pattern: "file not found",
		msg: UserMessage{
			Message: "The file is no longer in the field",
			Action:  "Reload the field",
			Code:    "FILE005",
		},
	},
	{
		pattern: "cannot do that in its current state",
		msg: UserMessage{
			Message: "The file cannot do that right now",
			Action:  "Reload the field to see its current state",
			Code:    "FILE006",
		},
	},

	// Transfer errors (UPL001-UPL005)
	{pattern: "context deadline exceeded", msg: msgTimeout},
	{pattern: "timeout", msg: msgTimeout},
	{pattern: "context canceled", msg: msgCancelled},
	{pattern: "upload cancelled", msg: msgCancelled},
	{
		pattern: "too many concurrent uploads",
		msg: UserMessage{
			Message: "Too many uploads are in progress",
			Action:  "Please wait a moment and try again",
			Code:    "UPL003",
		},
	},
	{
		pattern: "upload engine closed",
		msg: UserMessage{
			Message: "The upload field was closed",
			Action:  "Reload the page and add the file again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "upload endpoint returned",
		msg: UserMessage{
			Message: "The server refused the file",
			Action:  "Try again or contact support",
			Code:    "UPL005",
		},
	},

	// Rate limiting (RATE001)
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. A nil
// error yields the zero UserMessage; an unknown one yields ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
