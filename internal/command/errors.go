package command

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrUnknownCommand = errors.New("unknown command")

// ConfigError is a job configuration problem. Its message is shown to the
// operator as-is and no background work is started.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Configf returns a ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Note renders err for the job record: the message plus any hints.
func Note(err error) string {
	if err == nil {
		return ""
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	msg := err.Error()
	if hints := strings.TrimSpace(errors.FlattenHints(err)); hints != "" {
		hints = strings.ReplaceAll(hints, "\n--\n", "; ")
		msg += " (" + strings.ReplaceAll(hints, "\n", " ") + ")"
	}
	return msg
}
