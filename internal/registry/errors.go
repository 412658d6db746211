package registry

import "errors"

// unknownModelError signals a name that is not part of the catalog.
type unknownModelError struct{ name string }

func (e unknownModelError) Error() string { return "unknown model: " + e.name }

// IsUnknownModel reports whether err indicates a name outside the catalog.
func IsUnknownModel(err error) bool {
	var u unknownModelError
	return errors.As(err, &u)
}
