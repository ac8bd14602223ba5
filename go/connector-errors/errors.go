package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// UserError wraps a source error with a user-facing message for the error string. The source error
// can be provided so that it can be logged separately from the user-facing message for diagnostic
// purposes.
type UserError struct {
	message string
	source  error
}

// NewUserError creates a UserError that will output message as the error string.
func NewUserError(source error, message string) *UserError {
	return &UserError{
		message: message,
		source:  source,
	}
}

func (e *UserError) Unwrap() error {
	return e.source
}

func (e *UserError) Error() string {
	return e.message
}

// Source returns the wrapped source error.
func (e *UserError) Source() error {
	return e.source
}

// PrereqErr is a wrapper for recording accumulated errors during prerequisite checking and
// formatting them for user presentation.
type PrereqErr struct {
	errs []error
}

// Err adds an error to the accumulated list of errors.
func (e *PrereqErr) Err(err error) {
	e.errs = append(e.errs, err)
}

func (e *PrereqErr) Len() int {
	return len(e.errs)
}

func (e *PrereqErr) Unwrap() []error {
	return e.errs
}

func (e *PrereqErr) Error() string {
	var b = new(strings.Builder)
	fmt.Fprintf(b, "the connector cannot run due to the following error(s):")
	for _, err := range e.errs {
		b.WriteString("\n - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// IsSetupError reports whether err is a user-facing configuration or prerequisite failure,
// which is not worth retrying without a change to the connector configuration or database.
func IsSetupError(err error) bool {
	var userError *UserError
	var prereqErr *PrereqErr
	return errors.As(err, &userError) || errors.As(err, &prereqErr)
}

// HandleFinalError performs special handling for final errors when the error type is one that is
// defined in this package. For other errors, the error is logged on a newline.
func HandleFinalError(err error) {
	var prereqErr *PrereqErr
	if errors.As(err, &prereqErr) {
		for _, e := range prereqErr.errs {
			var entry = log.WithField("error", e.Error())
			var userError *UserError
			if errors.As(e, &userError) && userError.Source() != nil {
				entry = entry.WithField("source", userError.Source())
			}
			entry.Error("prerequisite failed")
		}
		log.Fatal(prereqErr)
	}

	var userError *UserError
	if errors.As(err, &userError) {
		log.WithFields(log.Fields{
			"source": userError.Source(),
		}).Fatal(userError)
	}

	_, _ = os.Stderr.WriteString(err.Error())
	_, _ = os.Stderr.Write([]byte("\n"))
	os.Exit(1)
}
