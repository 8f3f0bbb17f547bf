// Package weekday maps day numbers (0=Sunday ... 6=Saturday) to English day names.
package weekday

import (
	"errors"
	"fmt"
)

// ErrInvalidDay is returned for day numbers outside [0,6].
var ErrInvalidDay = errors.New("invalid day number")

var names = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Name returns the day name for day, where 0 is Sunday and 6 is Saturday.
func Name(day int) (string, error) {
	if day < 0 || day >= len(names) {
		return "", fmt.Errorf("%w: %d, the day number should be in [0-6]", ErrInvalidDay, day)
	}
	return names[day], nil
}
