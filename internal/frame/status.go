package frame

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DefaultStatus is used until a status frame arrives and whenever a published
// status cannot be parsed.
const DefaultStatus = http.StatusInternalServerError

// ParseStatus converts a published status value into a response code. Only
// the leading token is considered so "404 Not Found" is accepted. Codes
// outside 100..999 cannot be written to a status line and are rejected.
func ParseStatus(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return DefaultStatus, fmt.Errorf("%w: empty status", ErrMalformed)
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return DefaultStatus, fmt.Errorf("%w: status %q: %v", ErrMalformed, s, err)
	}
	if code < 100 || code > 999 {
		return DefaultStatus, fmt.Errorf("%w: status %d out of range", ErrMalformed, code)
	}
	return code, nil
}
