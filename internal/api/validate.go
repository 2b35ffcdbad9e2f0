package api

import (
	"strconv"
	"unicode/utf8"
)

// maxNameLen is the maximum length for script names.
const maxNameLen = 200

// maxLanguageLen bounds BCP-47 language tags.
const maxLanguageLen = 35

// maxKeyLen is the maximum length for flow item keys.
const maxKeyLen = 64

// maxLongStringLen is the maximum length for prompt text and hints.
const maxLongStringLen = 1000

// maxFlowItems bounds the number of items in one script.
const maxFlowItems = 200

// maxAudioKeys bounds a single audio deletion request.
const maxAudioKeys = 500

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateScriptRequest checks field sizes and characters of a publish
// request. Structural rules (slug pattern, voice type, unique keys, at
// least one question) are enforced by script.Validate.
func validateScriptRequest(req scriptRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		return msg
	}
	if msg := validateStringLen("language", req.Language, maxLanguageLen); msg != "" {
		return msg
	}
	if len(req.Flow) > maxFlowItems {
		return "flow exceeds " + strconv.Itoa(maxFlowItems) + " items"
	}
	for i, it := range req.Flow {
		field := "flow[" + strconv.Itoa(i) + "]"
		if msg := validateStringLen(field+".key", it.Key, maxKeyLen); msg != "" {
			return msg
		}
		if msg := validateNoControlChars(field+".key", it.Key); msg != "" {
			return msg
		}
		if msg := validateStringLen(field+".text", it.Text, maxLongStringLen); msg != "" {
			return msg
		}
		if msg := validateStringLen(field+".hints", it.Hints, maxLongStringLen); msg != "" {
			return msg
		}
	}
	return ""
}
