package config

import "errors"

// ErrInvalidConfig is wrapped by Validate() to report a specific field
// failure; see errors.Is(err, ErrInvalidConfig) at call sites that only
// care about the category, not the detail.
var ErrInvalidConfig = errors.New("invalid configuration")
