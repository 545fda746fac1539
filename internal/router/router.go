package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ReservedPrefix is the path prefix reserved for gateway-served endpoints.
// Patterns under it are rejected so normal routing can never reach them.
const ReservedPrefix = "/__gateway/"

var reservedSegment = strings.Trim(ReservedPrefix, "/")

var (
	// ErrConflict is returned when a method+pattern is registered twice.
	ErrConflict = errors.New("route conflict")

	// ErrInvalidPattern is returned for malformed path patterns.
	ErrInvalidPattern = errors.New("invalid route pattern")

	// ErrReservedPath is returned for patterns under ReservedPrefix.
	ErrReservedPath = errors.New("reserved route path")
)

// Route is a single method+path claim made by a service.
// Path segments are literals, parameters (":name" or "{name}") or a final
// wildcard ("*name") that matches the rest of the path.
type Route struct {
	Method Method
	Path   string
}

// Entry describes a registered route.
type Entry struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Path    string `json:"path"`
}

// ErrorKind distinguishes routing failures.
type ErrorKind int

const (
	NotFound ErrorKind = iota
	MethodNotAllowed
)

// RouteError is returned when no service owns a request.
type RouteError struct {
	Kind    ErrorKind
	Method  Method
	Path    string
	Allowed []Method // set for MethodNotAllowed
}

func (e *RouteError) Error() string {
	if e.Kind == MethodNotAllowed {
		return fmt.Sprintf("method %s not allowed for %s", e.Method, e.Path)
	}
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}

type segKind uint8

const (
	segLiteral segKind = iota
	segParam
	segWildcard
)

type node struct {
	literals map[string]*node
	param    *node
	wildcard *node

	// owners holds the owning service per method for patterns ending here.
	owners   [numMethods]string
	patterns [numMethods]string
}

func (n *node) owned() bool {
	for _, s := range n.owners {
		if s != "" {
			return true
		}
	}
	return false
}

func (n *node) allowed() []Method {
	var out []Method
	for i, s := range n.owners {
		if s != "" {
			out = append(out, Method(i))
		}
	}
	return out
}

// Builder accumulates service routes. It is not safe for concurrent use.
type Builder struct {
	root    *node
	entries []Entry
}

// NewBuilder creates an empty route table builder.
func NewBuilder() *Builder {
	return &Builder{root: &node{}}
}

// AddRoutes registers a batch of routes for a service. The batch is applied
// atomically: on error none of its routes are registered.
func (b *Builder) AddRoutes(service string, routes []Route) error {
	if service == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidPattern)
	}

	type target struct {
		n   *node
		m   Method
		pat string
	}
	var targets []target
	seen := make(map[*node][numMethods]bool)

	for _, r := range routes {
		if r.Method >= numMethods {
			return fmt.Errorf("%w: %v", ErrUnknownMethod, r.Method)
		}
		segs, err := parsePattern(r.Path)
		if err != nil {
			return err
		}
		n := b.root.lookupOrCreate(segs)
		if owner := n.owners[r.Method]; owner != "" {
			return fmt.Errorf("%w: %s %s already registered by service %s", ErrConflict, r.Method, r.Path, owner)
		}
		marks := seen[n]
		if marks[r.Method] {
			return fmt.Errorf("%w: %s %s registered twice by service %s", ErrConflict, r.Method, r.Path, service)
		}
		marks[r.Method] = true
		seen[n] = marks
		targets = append(targets, target{n: n, m: r.Method, pat: r.Path})
	}

	for _, t := range targets {
		t.n.owners[t.m] = service
		t.n.patterns[t.m] = t.pat
		b.entries = append(b.entries, Entry{Service: service, Method: t.m.String(), Path: t.pat})
	}
	return nil
}

// Build freezes the table. The builder must not be used afterwards.
func (b *Builder) Build() *Router {
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Method < entries[j].Method
	})
	return &Router{root: b.root, entries: entries}
}

// Router maps method+path to the owning service. It is immutable and safe
// for concurrent use.
type Router struct {
	root    *node
	entries []Entry
}

// Route returns the service that owns method+path. Paths under
// ReservedPrefix are never owned by a service.
func (rt *Router) Route(method Method, path string) (string, error) {
	segs := splitPath(path)
	if len(segs) > 0 && segs[0] == reservedSegment {
		return "", &RouteError{Kind: NotFound, Method: method, Path: path}
	}
	var pathOwner *node
	if n := rt.root.match(segs, method, &pathOwner); n != nil {
		return n.owners[method], nil
	}
	if pathOwner != nil {
		return "", &RouteError{Kind: MethodNotAllowed, Method: method, Path: path, Allowed: pathOwner.allowed()}
	}
	return "", &RouteError{Kind: NotFound, Method: method, Path: path}
}

// Routes lists every registered route ordered by path then method.
func (rt *Router) Routes() []Entry {
	out := make([]Entry, len(rt.entries))
	copy(out, rt.entries)
	return out
}

// match walks the trie with literal > param > wildcard priority and
// backtracks when a more specific branch has no owner for the method.
// The first node that matches the path but not the method is recorded in
// pathOwner.
func (n *node) match(segs []string, method Method, pathOwner **node) *node {
	if len(segs) == 0 {
		if n.owners[method] != "" {
			return n
		}
		if *pathOwner == nil && n.owned() {
			*pathOwner = n
		}
		// A wildcard also matches an empty remainder.
		if n.wildcard != nil {
			return n.wildcard.matchWildcard(method, pathOwner)
		}
		return nil
	}

	seg := segs[0]
	if child, ok := n.literals[seg]; ok {
		if found := child.match(segs[1:], method, pathOwner); found != nil {
			return found
		}
	}
	if n.param != nil && seg != "" {
		if found := n.param.match(segs[1:], method, pathOwner); found != nil {
			return found
		}
	}
	if n.wildcard != nil {
		return n.wildcard.matchWildcard(method, pathOwner)
	}
	return nil
}

func (n *node) matchWildcard(method Method, pathOwner **node) *node {
	if n.owners[method] != "" {
		return n
	}
	if *pathOwner == nil && n.owned() {
		*pathOwner = n
	}
	return nil
}

type segment struct {
	kind  segKind
	value string
}

func (n *node) lookupOrCreate(segs []segment) *node {
	cur := n
	for _, s := range segs {
		switch s.kind {
		case segLiteral:
			if cur.literals == nil {
				cur.literals = make(map[string]*node)
			}
			next, ok := cur.literals[s.value]
			if !ok {
				next = &node{}
				cur.literals[s.value] = next
			}
			cur = next
		case segParam:
			if cur.param == nil {
				cur.param = &node{}
			}
			cur = cur.param
		case segWildcard:
			if cur.wildcard == nil {
				cur.wildcard = &node{}
			}
			cur = cur.wildcard
		}
	}
	return cur
}

// parsePattern validates a route pattern and splits it into segments.
// Parameter names are not significant: "/a/:id" and "/a/{key}" are the same
// pattern.
func parsePattern(path string) ([]segment, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, path)
	}
	if strings.HasPrefix(path, ReservedPrefix) || path+"/" == ReservedPrefix {
		return nil, fmt.Errorf("%w: %q", ErrReservedPath, path)
	}

	parts := splitPath(path)
	segs := make([]segment, 0, len(parts))
	for i, p := range parts {
		switch {
		case p == "":
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, path)
		case strings.HasPrefix(p, ":"):
			if len(p) == 1 {
				return nil, fmt.Errorf("%w: %q has an unnamed parameter", ErrInvalidPattern, path)
			}
			segs = append(segs, segment{kind: segParam, value: p[1:]})
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			if len(p) == 2 {
				return nil, fmt.Errorf("%w: %q has an unnamed parameter", ErrInvalidPattern, path)
			}
			segs = append(segs, segment{kind: segParam, value: p[1 : len(p)-1]})
		case strings.HasPrefix(p, "*"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q wildcard must be the last segment", ErrInvalidPattern, path)
			}
			segs = append(segs, segment{kind: segWildcard, value: p[1:]})
		default:
			segs = append(segs, segment{kind: segLiteral, value: p})
		}
	}
	return segs, nil
}

// splitPath splits a URL path into segments. Leading and trailing slashes
// are ignored.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
