package parking

import (
	"strconv"
	"strings"
)

type SpaceState string

const (
	SpaceFree     SpaceState = "FREE"
	SpaceOccupied SpaceState = "OCCUPIED"
)

type Space struct {
	ID     string     `json:"id"`
	Number string     `json:"number"`
	State  SpaceState `json:"state"`
}

func NewSpace(id, number string) *Space {
	return &Space{
		ID:     id,
		Number: strings.TrimSpace(number),
		State:  SpaceFree,
	}
}

func (s *Space) IsOccupied() bool {
	return s.State == SpaceOccupied
}

func (s *Space) Occupy() error {
	if s.State != SpaceFree {
		return ErrSpaceNotFree
	}
	s.State = SpaceOccupied
	return nil
}

func (s *Space) Release() error {
	if s.State != SpaceOccupied {
		return ErrSpaceNotOccupied
	}
	s.State = SpaceFree
	return nil
}

// lessNumber orders space labels: numerically when both are integers,
// lexically otherwise. Integers sort before non-integers.
func lessNumber(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
