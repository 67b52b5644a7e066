// Package utils provides small JSON helpers shared by the gateway and the
// session manager.
package utils

import (
	"encoding/json"
	"fmt"
)

// IsJsonString reports whether the string is valid JSON (object form).
// It attempts to unmarshal the string into a map[string]interface{} and
// returns true only if unmarshaling succeeds.
//
// Parameters:
//   - s: The string to validate
//
// Returns:
//   - true if s is valid JSON representing an object, false otherwise
func IsJsonString(s string) bool {
	var js map[string]interface{}
	return json.Unmarshal([]byte(s), &js) == nil
}

// FirstArrayElement decodes s as a JSON array and returns its first element
// formatted as a string.
//
// Parameters:
//   - s: The string to decode, e.g. `["-12"]` or `[-12, 3]`
//
// Returns:
//   - The first element and true, or "" and false when s is not a non-empty
//     JSON array
func FirstArrayElement(s string) (string, bool) {
	var arr []interface{}
	if err := json.Unmarshal([]byte(s), &arr); err != nil || len(arr) == 0 {
		return "", false
	}

	switch v := arr[0].(type) {
	case string:
		return v, true
	case float64:
		return fmt.Sprintf("%g", v), true
	default:
		return fmt.Sprint(v), true
	}
}
