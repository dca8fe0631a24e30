package device

import (
	"errors"
	"strings"
)

// Class is an abstract resource category with its own load signal.
type Class string

const (
	CPU         Class = "CPU"
	GPU         Class = "GPU"
	DSP         Class = "DSP"
	NIC         Class = "NIC"
	Storage     Class = "STORAGE"
	Capture     Class = "CAPTURE"
	Accelerator Class = "ACCELERATOR"
)

// ErrUnknownClass is returned by ParseClass for names outside the enumeration.
var ErrUnknownClass = errors.New("unknown device class")

// Classes lists every supported class in detection order.
func Classes() []Class {
	return []Class{CPU, GPU, DSP, NIC, Storage, Capture, Accelerator}
}

// ParseClass maps a case-insensitive name onto a Class. The empty string is CPU.
func ParseClass(name string) (Class, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return CPU, nil
	}

	for _, class := range Classes() {
		if string(class) == name {
			return class, nil
		}
	}

	return "", ErrUnknownClass
}

func (c Class) String() string {
	return string(c)
}
