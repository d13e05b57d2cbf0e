package coordinator

import "errors"

var (
	errEmptyQuery           = errors.New("query must not be empty")
	errStageReportedFailure = errors.New("stage reported failure")
	errStageTimedOut        = errors.New("stage did not complete within the configured timeout")
)
