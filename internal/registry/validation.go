package registry

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	SessionCodeLength   = 6
	SessionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	MaxResourceLocatorLength = 2048
)

var SessionCodeRule = []validation.Rule{
	validation.Required,
	validation.Match(regexp.MustCompile("^[A-Z0-9]{6}$")),
}

// ResourceLocatorRule accepts any non-empty locator, relative and opaque
// ones included. Only the host decides what its player can load.
var ResourceLocatorRule = []validation.Rule{
	validation.Required,
	validation.RuneLength(1, MaxResourceLocatorLength),
}

var AddressRule = []validation.Rule{
	validation.Required,
	validation.Length(1, 256),
}
