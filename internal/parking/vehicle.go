package parking

import (
	"fmt"
	"strings"
)

const (
	minPlateLength = 5
	maxPlateLength = 10
)

type Vehicle struct {
	ID    string `json:"id"`
	Plate string `json:"plate"`
	Owner string `json:"owner"`
}

func NewVehicle(id, plate, owner string) *Vehicle {
	return &Vehicle{
		ID:    id,
		Plate: NormalizePlate(plate),
		Owner: owner,
	}
}

// NormalizePlate trims and upper-cases a plate number.
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

// ValidatePlate checks an already normalized plate: only A-Z, 0-9 and '-',
// at least one letter, one digit and one hyphen, no leading, trailing or
// doubled hyphen, 5 to 10 characters.
func ValidatePlate(plate string) error {
	var hasLetter, hasDigit, hasHyphen bool
	for _, r := range plate {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '-':
			hasHyphen = true
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPlate, plate, r)
		}
	}

	switch {
	case !hasLetter:
		return fmt.Errorf("%w: %q needs an uppercase letter", ErrInvalidPlate, plate)
	case !hasDigit:
		return fmt.Errorf("%w: %q needs a digit", ErrInvalidPlate, plate)
	case !hasHyphen:
		return fmt.Errorf("%w: %q needs a hyphen", ErrInvalidPlate, plate)
	case strings.HasPrefix(plate, "-") || strings.HasSuffix(plate, "-"):
		return fmt.Errorf("%w: %q starts or ends with a hyphen", ErrInvalidPlate, plate)
	case strings.Contains(plate, "--"):
		return fmt.Errorf("%w: %q has a doubled hyphen", ErrInvalidPlate, plate)
	case len(plate) < minPlateLength || len(plate) > maxPlateLength:
		return fmt.Errorf("%w: %q must be %d to %d characters", ErrInvalidPlate, plate, minPlateLength, maxPlateLength)
	}
	return nil
}
