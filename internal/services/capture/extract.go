package capture

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// AuthorizationHeader is the header carrying the Bearer credential
const AuthorizationHeader = "Authorization"

// bearerPattern matches the Bearer scheme case-insensitively and requires at
// least one non-whitespace character after the separating whitespace.
var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(\S.*)$`)

// ExtractBearer returns the token from an Authorization header value.
// The token is everything after the first whitespace run, verbatim.
func ExtractBearer(value string) (string, bool) {
	m := bearerPattern.FindStringSubmatch(value)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// HeaderSource is one of the header shapes a request can carry:
// HeaderGetter or HeaderMap.
type HeaderSource interface {
	authorization() string
}

// Getter is satisfied by http.Header and other containers with a
// case-insensitive lookup
type Getter interface {
	Get(name string) string
}

// HeaderGetter adapts a container that already knows how to look up a header
type HeaderGetter struct {
	Getter
}

func (h HeaderGetter) authorization() string {
	if h.Getter == nil {
		return ""
	}
	return h.Get(AuthorizationHeader)
}

// HeaderMap is a plain header map; keys are matched case-insensitively
type HeaderMap map[string]string

func (m HeaderMap) authorization() string {
	if v, ok := m[AuthorizationHeader]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, AuthorizationHeader) {
			return v
		}
	}
	return ""
}

// WithoutAuthorization copies the map minus any Authorization entry
func (m HeaderMap) WithoutAuthorization() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if strings.EqualFold(k, AuthorizationHeader) {
			continue
		}
		out[k] = v
	}
	return out
}

// FindBearer locates a Bearer token in any supported header shape
func FindBearer(headers HeaderSource) (string, bool) {
	if headers == nil {
		return "", false
	}
	return ExtractBearer(headers.authorization())
}

// HeaderMapFromAny converts loosely typed headers such as CDP network.Headers
func HeaderMapFromAny(h map[string]interface{}) HeaderMap {
	out := make(HeaderMap, len(h))
	for k, v := range h {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// HeaderNames returns the sorted header names, for logging without values
func HeaderNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
