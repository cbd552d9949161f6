package intelligence

import "errors"

var (
	// ErrInvalidState is returned when a conversation carries a state outside
	// the known enumeration. The conversation must not be transitioned.
	ErrInvalidState = errors.New("intelligence: invalid conversation state")

	// ErrInvalidCatalog wraps every configuration problem found while loading
	// the lexicon, transition table or templates.
	ErrInvalidCatalog = errors.New("intelligence: invalid catalog")

	// ErrOptedOut is returned when an operation would pull an opted-out
	// conversation back into a sales state.
	ErrOptedOut = errors.New("intelligence: conversation opted out")

	// ErrEmptyText is returned by embedders when the input has no usable tokens.
	ErrEmptyText = errors.New("intelligence: empty text")

	// ErrUnsupportedText is returned by embedders for input that is not valid UTF-8.
	ErrUnsupportedText = errors.New("intelligence: unsupported text encoding")
)
