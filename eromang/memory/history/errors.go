package history

import "errors"

var (
	// ErrInvalidRole is returned for roles outside user/system/assistant.
	ErrInvalidRole = errors.New("history: invalid role")
	// ErrEmptyContent is returned when content is blank after trimming.
	ErrEmptyContent = errors.New("history: empty content")
	// ErrTokenOverflow is returned when a single entry alone exceeds the ceiling.
	ErrTokenOverflow = errors.New("history: entry exceeds token ceiling")
	// ErrUnrecoverable is returned when the pinned prompt alone reaches the ceiling.
	ErrUnrecoverable = errors.New("history: pinned prompt leaves no budget")
	// ErrNoCandidates is returned when nothing besides the pinned prompt can be trimmed.
	ErrNoCandidates = errors.New("history: nothing to trim")
	// ErrIndexOutOfRange is returned for positions outside the history.
	ErrIndexOutOfRange = errors.New("history: index out of range")
	// ErrRoleMismatch is returned when a replacement would change an entry's role.
	ErrRoleMismatch = errors.New("history: role mismatch")
	// ErrPinned is returned when a mutation would remove or displace the pinned prompt.
	ErrPinned = errors.New("history: pinned prompt cannot be moved")
	// ErrInvalidCounter is returned when the token counter fails its smoke check.
	ErrInvalidCounter = errors.New("history: invalid token counter")
	// ErrPromptTooLarge is returned when the prompt exceeds its share of the ceiling.
	ErrPromptTooLarge = errors.New("history: prompt exceeds allowed share of ceiling")
)
