package linkid

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// URIPrefix is the optional scheme prefix accepted in front of an identifier.
	URIPrefix = "linkid:"

	// MinIdentifierLength and MaxIdentifierLength bound a valid identifier.
	MinIdentifierLength = 32
	MaxIdentifierLength = 64
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// Identifier is a validated LinkID without its URI prefix.
// The zero value is not a valid identifier.
type Identifier struct {
	value string
}

// ParseIdentifier strips an optional "linkid:" prefix and validates the rest.
func ParseIdentifier(s string) (Identifier, error) {
	if err := Validate(s); err != nil {
		return Identifier{}, err
	}
	return Identifier{value: Normalize(s)}, nil
}

// MustParseIdentifier is like ParseIdentifier but panics on error.
func MustParseIdentifier(s string) Identifier {
	id, err := ParseIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identifier without prefix.
func (id Identifier) String() string {
	return id.value
}

// URI returns the identifier in "linkid:<id>" form.
func (id Identifier) URI() string {
	return URIPrefix + id.value
}

// IsZero reports whether id was never parsed.
func (id Identifier) IsZero() bool {
	return id.value == ""
}

// Normalize removes a leading "linkid:" prefix. It does not validate.
func Normalize(s string) string {
	return strings.TrimPrefix(s, URIPrefix)
}

// Validate checks identifier syntax: 32 to 64 characters from [A-Za-z0-9._~-],
// after an optional "linkid:" prefix. Errors carry s exactly as given.
func Validate(s string) error {
	v := Normalize(s)
	switch {
	case v == "":
		return newIdentifierError(KindValidation, s, "identifier is required")
	case len(v) < MinIdentifierLength || len(v) > MaxIdentifierLength:
		return newIdentifierError(KindValidation, s,
			fmt.Sprintf("invalid LinkID format: must be %d-%d URL-safe characters, got %d",
				MinIdentifierLength, MaxIdentifierLength, len(v)))
	case !identifierPattern.MatchString(v):
		return newIdentifierError(KindValidation, s,
			"invalid LinkID format: only [A-Za-z0-9._~-] characters are allowed")
	}
	return nil
}

// ValidateTargetURI checks that target is an absolute http or https URL with a host.
func ValidateTargetURI(target string) error {
	if target == "" {
		return &Error{Kind: KindValidation, Message: "targetUri is required"}
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("targetUri must be an absolute HTTP(S) URL, got %q", target),
			Err:     err,
		}
	}
	return nil
}
