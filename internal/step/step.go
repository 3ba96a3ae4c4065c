// Package step declares the fixed catalog of release steps.
//
// A release cycle always runs the same five kinds of step in the same order:
// init, add-branch, test-branch, doc and tag. The add-branch and test-branch
// kinds are per-branch: they are instantiated once for every platform
// version taking part in the release. The others are global and run once per
// release.
//
// Key types:
//   - [Kind] - closed enumeration of step kinds
//   - [Catalog] - the kinds in execution order
//   - [Requires] - prerequisite kinds for each kind
package step

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStep is returned when a step name does not match any [Kind].
var ErrUnknownStep = errors.New("unknown step")

// Kind identifies one step of the release catalog.
//
// The zero value is not a valid kind. Kinds are ordered: comparing two kinds
// with < compares their position in the catalog.
type Kind int

const (
	// Init creates the release record and syncs the platform repository.
	Init Kind = iota + 1
	// AddBranch prepares the release branch for one platform version.
	AddBranch
	// TestBranch opens, verifies and merges the release pull request for one platform version.
	TestBranch
	// Doc aggregates the changelog fragments into the release notes.
	Doc
	// Tag tags the production branches of all released platform versions.
	Tag
)

var names = map[Kind]string{
	Init:       "init",
	AddBranch:  "add-branch",
	TestBranch: "test-branch",
	Doc:        "doc",
	Tag:        "tag",
}

// catalog is the fixed execution order.
var catalog = []Kind{Init, AddBranch, TestBranch, Doc, Tag}

// requires maps each kind to the kinds that must be done or skipped first.
// For per-branch kinds depending on per-branch kinds the dependency is on the
// same branch; for global kinds depending on per-branch kinds it is on all
// branches.
var requires = map[Kind][]Kind{
	Init:       nil,
	AddBranch:  {Init},
	TestBranch: {AddBranch},
	Doc:        {Init, TestBranch},
	Tag:        {Doc},
}

// Catalog returns the step kinds in execution order.
func Catalog() []Kind {
	out := make([]Kind, len(catalog))
	copy(out, catalog)
	return out
}

// Requires returns the prerequisite kinds of k.
func Requires(k Kind) []Kind {
	return append([]Kind(nil), requires[k]...)
}

// String returns the command-line name of the kind, e.g. "add-branch".
func (k Kind) String() string {
	if name, ok := names[k]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// PerBranch reports whether the kind is instantiated once per branch.
func (k Kind) PerBranch() bool {
	return k == AddBranch || k == TestBranch
}

// Valid reports whether k is part of the catalog.
func (k Kind) Valid() bool {
	_, ok := names[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler so kinds are persisted by name.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse returns the kind with the given name. Underscores are accepted in
// place of dashes ("add_branch").
func Parse(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for k, n := range names {
		if n == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStep, name)
}

// ParseList parses step names, each of which may itself be a comma-separated
// list. The special name "all" (or an empty input) yields nil, meaning the
// full catalog. The result is deduplicated and sorted in catalog order.
func ParseList(values ...string) ([]Kind, error) {
	seen := make(map[Kind]bool)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "all" {
				return nil, nil
			}
			k, err := Parse(part)
			if err != nil {
				return nil, err
			}
			seen[k] = true
		}
	}

	if len(seen) == 0 {
		return nil, nil
	}

	var out []Kind
	for _, k := range catalog {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// Names returns the names of all kinds in catalog order.
func Names() []string {
	out := make([]string, len(catalog))
	for i, k := range catalog {
		out[i] = k.String()
	}
	return out
}
