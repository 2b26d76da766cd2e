// Package tenant resolves per-tenant storage directories from a
// configured backend template and validates tenant/group identifiers.
package tenant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fileport/filegate/internal/config"
)

// PnumRegexp matches a project number: "p" followed by one or more digits.
var PnumRegexp = regexp.MustCompile(`^p[0-9]+$`)

// GroupRegexp matches a group name: it must be prefixed by its tenant's
// project number.
var GroupRegexp = regexp.MustCompile(`^p[0-9]+-[a-zA-Z0-9_-]+$`)

// adminPnum is the privileged tenant that uses a backend's AdminPath
// instead of its per-tenant templated path.
const adminPnum = "p01"

// ErrInvalidTenant is returned when a pnum fails validation.
var ErrInvalidTenant = fmt.Errorf("tenant: invalid project number")

// ValidPnum reports whether s is a well-formed project number.
func ValidPnum(s string) bool {
	return PnumRegexp.MatchString(s)
}

// DefaultGroup returns the implicit group a resumable upload belongs to
// when the client did not supply one.
func DefaultGroup(pnum string) string {
	return pnum + "-member-group"
}

// ValidGroup reports whether group is well-formed and scoped to pnum.
func ValidGroup(pnum, group string) bool {
	if !GroupRegexp.MatchString(group) {
		return false
	}
	return strings.HasPrefix(group, pnum+"-")
}

// Resolver maps (backend name, tenant) pairs to absolute directories.
type Resolver struct {
	backends map[string]config.Backend
}

// NewResolver builds a Resolver from the configured backends.
func NewResolver(backends map[string]config.Backend) *Resolver {
	return &Resolver{backends: backends}
}

// Backend returns the named backend definition.
func (r *Resolver) Backend(name string) (config.Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Resolve returns the absolute directory for pnum under the named backend's
// import path, creating it if missing (for every backend and tenant). The
// admin tenant is routed to the backend's AdminPath when present.
func (r *Resolver) Resolve(backendName, pnum string) (string, error) {
	if !ValidPnum(pnum) {
		return "", ErrInvalidTenant
	}
	b, ok := r.backends[backendName]
	if !ok {
		return "", fmt.Errorf("tenant: unknown backend %q", backendName)
	}

	template := b.ImportPath
	if pnum == adminPnum && b.AdminPath != "" {
		template = b.AdminPath
	}

	dir := substitutePnum(template, pnum)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("tenant: create dir %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveSubfolder returns the per-form hidden subfolder under a backend's
// configured SubfolderPath, used by the SNS multipart route to additionally
// copy each submission's files into a per-form directory keyed by formID.
func (r *Resolver) ResolveSubfolder(backendName, pnum, formID string) (string, error) {
	if !ValidPnum(pnum) {
		return "", ErrInvalidTenant
	}
	b, ok := r.backends[backendName]
	if !ok {
		return "", fmt.Errorf("tenant: unknown backend %q", backendName)
	}
	if b.SubfolderPath == "" {
		return "", fmt.Errorf("tenant: backend %q has no subfolder_path configured", backendName)
	}
	dir := filepath.Join(substitutePnum(b.SubfolderPath, pnum), formID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("tenant: create subfolder dir %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveExport returns the absolute export directory for pnum, used by
// the download streamer.
func (r *Resolver) ResolveExport(backendName, pnum string) (string, error) {
	if !ValidPnum(pnum) {
		return "", ErrInvalidTenant
	}
	b, ok := r.backends[backendName]
	if !ok {
		return "", fmt.Errorf("tenant: unknown backend %q", backendName)
	}
	return substitutePnum(b.ExportPath, pnum), nil
}

func substitutePnum(template, pnum string) string {
	return strings.ReplaceAll(template, "pXX", pnum)
}
