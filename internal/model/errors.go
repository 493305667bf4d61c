package model

import (
	"errors"
	"fmt"
)

var (
	ErrAllocationExhausted = errors.New("insufficient space in device allocation")
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrScratchExhausted    = errors.New("scratch arena exhausted")
	ErrNotPlanned          = errors.New("model has no device placement")
	ErrNotLoaded           = errors.New("unit weights not loaded")
)

// AllocationError names the unit that did not fit anywhere.
type AllocationError struct {
	Key       string
	Footprint int64
	Scratch   int64
	Devices   int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%v: unit %s needs %d bytes of weights plus %d bytes of scratch, none of %d devices has room",
		ErrAllocationExhausted, e.Key, e.Footprint, e.Scratch, e.Devices)
}

func (e *AllocationError) Unwrap() error { return ErrAllocationExhausted }

// UnitError attaches the failing unit's key to a backend or load error.
type UnitError struct {
	Key string
	Op  string
	Err error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func wrapUnit(key, op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnitError
	if errors.As(err, &ue) {
		return err
	}
	return &UnitError{Key: key, Op: op, Err: err}
}
