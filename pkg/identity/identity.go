package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInput is returned when a fully qualified name cannot be split
// into namespace, class and method segments.
var ErrInvalidInput = errors.New("invalid identity input")

// timeLayout renders dates with a fixed seven digit fraction so that two
// equal instants always produce the same canonical text.
const timeLayout = "2006-01-02T15:04:05.0000000Z"

// Identity is the stable cross-run key for a logical test.
type Identity struct {
	TestID             string          `json:"testId"`
	FullyQualifiedName string          `json:"fullyQualifiedName"`
	Namespace          string          `json:"namespace,omitempty"`
	ClassName          string          `json:"className"`
	MethodName         string          `json:"methodName"`
	DisplayName        string          `json:"displayName"`
	Parameters         string          `json:"parameters,omitempty"`
	Source             *SourceLocation `json:"sourceLocation,omitempty"`
}

// SourceLocation points at the test definition. It is informational only
// and never contributes to the TestID.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
}

// Option customises the human-readable fields of a generated Identity.
type Option func(*Identity)

// WithDisplayName overrides the default display name (the method name plus
// its canonical parameters).
func WithDisplayName(name string) Option {
	return func(id *Identity) {
		if name != "" {
			id.DisplayName = name
		}
	}
}

// WithSourceLocation attaches the file and line the test is declared at.
func WithSourceLocation(file string, line int) Option {
	return func(id *Identity) {
		if file == "" {
			return
		}

		id.Source = &SourceLocation{File: file, Line: line}
	}
}

// Generate builds the identity of the test named fqn invoked with params.
// The TestID is the lowercase hex SHA-256 of fqn + "|" + the canonical
// parameter string, so identical inputs always hash identically and any
// change to a parameter value changes the id.
func Generate(fqn string, params []any, opts ...Option) (Identity, error) {
	fqn = strings.TrimSpace(fqn)

	namespace, class, method, err := split(fqn)
	if err != nil {
		return Identity{}, err
	}

	canonical := CanonicalParameters(params)

	sum := sha256.Sum256([]byte(fqn + "|" + canonical))

	id := Identity{
		TestID:             hex.EncodeToString(sum[:]),
		FullyQualifiedName: fqn,
		Namespace:          namespace,
		ClassName:          class,
		MethodName:         method,
		DisplayName:        displayName(method, canonical),
		Parameters:         canonical,
	}

	for _, opt := range opts {
		opt(&id)
	}

	return id, nil
}

// split breaks "Namespace.Class.Method" into its parts. A name needs at
// least a class and a method; the namespace may be empty.
func split(fqn string) (namespace, class, method string, err error) {
	if fqn == "" {
		return "", "", "", fmt.Errorf("%w: fully qualified name is empty", ErrInvalidInput)
	}

	segments := strings.Split(fqn, ".")
	if len(segments) < 2 {
		return "", "", "", fmt.Errorf(
			"%w: %q must contain at least one '.' separator", ErrInvalidInput, fqn,
		)
	}

	for _, s := range segments {
		if strings.TrimSpace(s) == "" {
			return "", "", "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidInput, fqn)
		}
	}

	n := len(segments)

	return strings.Join(segments[:n-2], "."), segments[n-2], segments[n-1], nil
}

func displayName(method, canonical string) string {
	if canonical == "" {
		return method
	}

	return method + "(" + canonical + ")"
}

// CanonicalParameters renders params in their culture-invariant canonical
// form joined by ",". An empty or nil slice yields "".
func CanonicalParameters(params []any) string {
	if len(params) == 0 {
		return ""
	}

	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = canonicalValue(reflect.ValueOf(p))
	}

	return strings.Join(parts, ",")
}

func canonicalValue(v reflect.Value) string {
	if !v.IsValid() {
		return "null"
	}

	// Dereference pointers and interfaces so the pointee, not an address,
	// is what gets hashed.
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "null"
		}

		v = v.Elem()
	}

	if v.Type() == reflect.TypeOf(time.Time{}) {
		t, _ := v.Interface().(time.Time)

		return t.UTC().Format(timeLayout)
	}

	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return "null"
		}

		items := make([]string, v.Len())
		for i := range items {
			items[i] = canonicalValue(v.Index(i))
		}

		return "[" + strings.Join(items, ",") + "]"
	default:
		return fmt.Sprintf("%T:%v", v.Interface(), v.Interface())
	}
}
