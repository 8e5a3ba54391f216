package detector

import "errors"

var (
	ErrInvalidArgument = errors.New("Invalid argument")
	ErrNotFound        = errors.New("Not found")
	ErrMalformed       = errors.New("Malformed detector metadata")
	ErrAlreadyExists   = errors.New("Detector already exists")
	ErrBusy            = errors.New("Another training or testing operation is running on this detector store")
)
