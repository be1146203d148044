package sheets

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/api/googleapi"
)

// Kind classifies spreadsheet failures so operators get an actionable note.
type Kind string

const (
	KindCredentials Kind = "credentials"
	KindPermission  Kind = "permission"
	KindNotFound    Kind = "not_found"
	KindConfig      Kind = "config"
	KindUnknown     Kind = "unknown"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sheets %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("sheets %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func newError(kind Kind, msg string, cause error, hint string) error {
	err := error(&Error{Kind: kind, Msg: msg, Err: cause})
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// classify maps a Google API failure onto a Kind.
func classify(err error, what, serviceAccount string) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusForbidden:
			hint := "share the spreadsheet with the service account as Editor"
			if serviceAccount != "" {
				hint = "share the spreadsheet with " + serviceAccount + " as Editor"
			}
			return newError(KindPermission, "no access to "+what, err, hint)
		case http.StatusNotFound:
			return newError(KindNotFound, what+" not found", err, "check the spreadsheet URL or id and the worksheet gid")
		case http.StatusUnauthorized:
			return newError(KindCredentials, "credentials rejected", err, "regenerate the service account key")
		case http.StatusBadRequest:
			return newError(KindConfig, "invalid request for "+what, err, "")
		}
	}
	return newError(KindUnknown, "request for "+what+" failed", err, "")
}
