package classroom

import "errors"

// Classroom registry errors
var (
	ErrCodeSpaceExhausted = errors.New("access code attempts exhausted")
)
