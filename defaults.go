package squirrelstore

import "time"

const (
	// DefaultAutoSaveInterval is how often Run saves dirty handles.
	DefaultAutoSaveInterval = time.Minute

	// DefaultAutoSaveConcurrency caps concurrent saves per autosave tick.
	DefaultAutoSaveConcurrency = 8
)

// DefaultOptions returns the recommended set of options for production use:
// standard saving, one-minute autosave and the default shutdown retry policy.
// They match the zero-option behaviour of [New] and exist so callers can
// append to them explicitly.
func DefaultOptions() []Option {
	return []Option{
		WithSavingMethod(Standard()),
		WithAutoSaveInterval(DefaultAutoSaveInterval),
		WithAutoSaveConcurrency(DefaultAutoSaveConcurrency),
	}
}
