package router

import (
	"errors"
	"fmt"
	"strings"
)

// Method is an HTTP method the router can dispatch on.
type Method uint8

const (
	GET Method = iota
	HEAD
	POST
	PUT
	DELETE
	PATCH
	OPTIONS
	TRACE
	CONNECT
	numMethods
)

var methodNames = [numMethods]string{
	GET:     "GET",
	HEAD:    "HEAD",
	POST:    "POST",
	PUT:     "PUT",
	DELETE:  "DELETE",
	PATCH:   "PATCH",
	OPTIONS: "OPTIONS",
	TRACE:   "TRACE",
	CONNECT: "CONNECT",
}

// ErrUnknownMethod is returned by ParseMethod for unsupported methods.
var ErrUnknownMethod = errors.New("unknown http method")

func (m Method) String() string {
	if m < numMethods {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", m)
}

// ParseMethod parses a request method. Matching is case-sensitive as in
// net/http; "get" is not GET.
func ParseMethod(s string) (Method, error) {
	for i, name := range methodNames {
		if name == s {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// ParseMethods parses a list of configured method names, case-insensitively.
// "*" expands to every method.
func ParseMethods(names []string) ([]Method, error) {
	var out []Method
	for _, n := range names {
		if n == "*" {
			return AllMethods(), nil
		}
		m, err := ParseMethod(strings.ToUpper(n))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// AllMethods returns every method in declaration order.
func AllMethods() []Method {
	out := make([]Method, numMethods)
	for i := range out {
		out[i] = Method(i)
	}
	return out
}
