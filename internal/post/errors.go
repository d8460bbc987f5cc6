package post

import "errors"

var (
	// ErrInvalidTime rejects a schedule time that is not strictly in the future.
	ErrInvalidTime = errors.New("post: scheduled time must be in the future")
	// ErrInvalidContent rejects an unknown content type or an empty post.
	ErrInvalidContent = errors.New("post: invalid content")

	ErrDuplicateID = errors.New("post: duplicate id")
	ErrNotFound    = errors.New("post: not found")

	// ErrInvalidTransition is returned by Update when a mutation would break
	// the lifecycle rules. The post is left unchanged.
	ErrInvalidTransition = errors.New("post: invalid transition")
)
