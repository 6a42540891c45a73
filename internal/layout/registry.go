package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownTemplate  = errors.New("unknown template version")
	ErrTemplateConflict = errors.New("template version already registered with different geometry")
)

// Fingerprint is a digest of the template geometry. Two templates with the
// same fingerprint score identically.
func Fingerprint(t *Template) string {
	b, err := json.Marshal(t)
	if err != nil {
		// Template holds only numbers, strings and slices of them.
		panic(fmt.Sprintf("layout: marshal template: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Registry resolves template versions to geometry. Once registered, a
// version can never be replaced by different geometry, so sheets printed
// against it always score against what was printed.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	templates    map[string]*Template
	fingerprints map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		templates:    make(map[string]*Template),
		fingerprints: make(map[string]string),
	}
}

// NewDefaultRegistry returns a registry seeded with every supported question
// count, its default column count, and each header style.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, q := range SupportedQuestionCounts {
		for _, h := range []HeaderStyle{HeaderStandard, HeaderCompact, HeaderNone} {
			if _, err := r.Ensure(Spec{QuestionCount: q, Header: h}); err != nil {
				panic(fmt.Sprintf("layout: seed registry: %v", err))
			}
		}
	}
	return r
}

// Register stores t under its version. Registering identical geometry twice
// is a no-op.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	fp := Fingerprint(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.fingerprints[t.Version]; ok {
		if existing != fp {
			return fmt.Errorf("%w: %s", ErrTemplateConflict, t.Version)
		}
		return nil
	}
	r.templates[t.Version] = t
	r.fingerprints[t.Version] = fp
	return nil
}

// Ensure generates and registers the template for spec if it is not yet
// known, and returns the registered template.
func (r *Registry) Ensure(spec Spec) (*Template, error) {
	if t, ok := r.registered(spec.Version()); ok {
		return t, nil
	}
	t, err := Generate(spec)
	if err != nil {
		return nil, err
	}
	if err := r.Register(t); err != nil {
		return nil, err
	}
	t, _ = r.registered(t.Version)
	return t, nil
}

func (r *Registry) registered(version string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[version]
	return t, ok
}

// Lookup returns the template registered under version. A version of the
// current revision that is not registered yet is regenerated from the
// version string, so exams keep resolving after a restart drops templates
// registered at runtime.
func (r *Registry) Lookup(version string) (*Template, error) {
	if t, ok := r.registered(version); ok {
		return t, nil
	}

	spec, err := ParseVersion(version)
	if err != nil {
		return nil, err
	}
	t, err := Generate(spec)
	if err != nil || t.Version != version {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, version)
	}
	if err := r.Register(t); err != nil {
		return nil, err
	}
	t, _ = r.registered(version)
	return t, nil
}

// Versions lists registered versions in lexical order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for v := range r.templates {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
