package utils // import "github.com/whisthq/whist/backend/fleet/utils"

import (
	"fmt"
	"regexp"
)

// ColorRed returns the input string surrounded by the ANSI escape codes to
// color the text red. Text color is reset at the end of the returned string.
func ColorRed(s string) string {
	const (
		codeReset = "\033[0m"
		codeRed   = "\033[31m"
	)

	return Sprintf("%s%s%s", codeRed, s, codeReset)
}

// The following two functions exist so that we don't have to import `fmt` into
// any other packages (so we don't accidentally log something using `fmt`
// functions instead of using the `whistlogger` equivalents that send
// information to logz.io and Sentry).

// Sprintf creates a string from format string and args.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

// MakeError creates an error from format string and args. Use the %w verb
// to wrap an underlying error so callers can still match it with errors.Is.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// SanitizeEmail tries to match an email to a general email regex and if it
// fails, returns an empty string. Emails sent by the frontend can be spoofed,
// so the result should only ever be used for logging.
func SanitizeEmail(email string) string {
	if emailRegex.MatchString(email) {
		return email
	}
	return ""
}
