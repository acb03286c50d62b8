package reconciler

import "errors"

var errBackendNeverAppeared = errors.New("backend reports resource absent during creation")

func errBackendReportedError(msg string) error {
	if msg == "" {
		msg = "backend reported an error state"
	}
	return errors.New(msg)
}
