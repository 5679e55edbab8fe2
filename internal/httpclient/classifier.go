package httpclient

import "strings"

// Auth is the credential a request carries.
type Auth int

const (
	// AuthDefault lets the Classifier decide from the path.
	AuthDefault Auth = iota
	AuthPublic
	AuthBearer
	AuthCSRF
)

func (a Auth) String() string {
	switch a {
	case AuthPublic:
		return "public"
	case AuthBearer:
		return "bearer"
	case AuthCSRF:
		return "csrf"
	default:
		return "default"
	}
}

// Classifier maps a request path to the credential it needs. Matching is by
// substring so that paths behind a base URL prefix still match.
type Classifier struct {
	CSRFPrefixes   []string
	CSRFExempt     []string
	BearerPrefixes []string
}

func (c Classifier) Classify(path string) Auth {
	if containsAny(path, c.CSRFExempt) {
		return AuthPublic
	}
	if containsAny(path, c.CSRFPrefixes) {
		return AuthCSRF
	}
	if containsAny(path, c.BearerPrefixes) {
		return AuthBearer
	}
	return AuthPublic
}

func containsAny(path string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(path, f) {
			return true
		}
	}
	return false
}
