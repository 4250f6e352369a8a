package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Capability enumerates the access levels a user can hold on a subject.
type Capability string

const (
	// CapabilityNone denies access to the subject entirely.
	CapabilityNone Capability = "none"
	// CapabilityView grants read access to the live document.
	CapabilityView Capability = "view"
	// CapabilitySuggest grants read access plus suggestion operations.
	CapabilitySuggest Capability = "suggest"
	// CapabilityEdit grants full editing access.
	CapabilityEdit Capability = "edit"
)

// ErrInvalidCapability indicates an unrecognized capability value.
var ErrInvalidCapability = errors.New("auth: invalid capability")

// NewCapability validates raw input and returns a Capability.
func NewCapability(rawInput string) (Capability, error) {
	switch Capability(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CapabilityNone:
		return CapabilityNone, nil
	case CapabilityView:
		return CapabilityView, nil
	case CapabilitySuggest:
		return CapabilitySuggest, nil
	case CapabilityEdit:
		return CapabilityEdit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCapability, rawInput)
}

// String returns the capability as a string.
func (c Capability) String() string {
	return string(c)
}

// AllowsView reports whether the capability permits attaching to a document.
func (c Capability) AllowsView() bool {
	return c == CapabilityView || c == CapabilitySuggest || c == CapabilityEdit
}

// AllowsSuggest reports whether the capability permits suggestion operations.
func (c Capability) AllowsSuggest() bool {
	return c == CapabilitySuggest || c == CapabilityEdit
}

// AllowsEdit reports whether the capability permits direct content operations.
func (c Capability) AllowsEdit() bool {
	return c == CapabilityEdit
}
