package mcptask

import "errors"

var (
	errCompletedStagesExceedsPlan = errors.New("completed_stages longer than plan")
	errCompletedStagesNotPrefix   = errors.New("completed_stages is not a strict prefix of plan")
	errCurrentStageMismatch       = errors.New("current_stage inconsistent with completed_stages and status")
	errCompleteRequiresResponse   = errors.New("status complete requires a non-nil response")
	errResponseRequiresComplete   = errors.New("a non-nil response requires status complete")
	errErrorStageNotInPlan        = errors.New("error.stage does not reference a member of plan")
)
