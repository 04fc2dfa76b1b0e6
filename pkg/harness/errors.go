package harness

import "errors"

var (
	// ErrEngineLaunch reports that the node bundle failed to come up; the
	// wrapped error names the engine that failed.
	ErrEngineLaunch = errors.New("harness: engine launch failed")
	// ErrSelfNotInMembers reports a member id absent from the member list.
	ErrSelfNotInMembers = errors.New("harness: member id not in member list")
)
