// Package download implements the range-aware DownloadStreamer and its
// ExportPolicy eligibility gate.
package download

import (
	"mime"
	"path/filepath"

	"github.com/fileport/filegate/internal/config"
)

// Policy evaluates per-tenant export eligibility, falling back to a
// "default" entry when a tenant has none configured.
type Policy struct {
	policies map[string]config.ExportPolicy
}

// NewPolicy builds a Policy from the configured export policies.
func NewPolicy(policies map[string]config.ExportPolicy) *Policy {
	return &Policy{policies: policies}
}

func (p *Policy) forTenant(pnum string) config.ExportPolicy {
	if pol, ok := p.policies[pnum]; ok {
		return pol
	}
	return p.policies["default"]
}

// Eligible reports whether a file of the given size and detected MIME type
// may be exported for pnum. A disabled policy is unconditionally eligible
// (detection still happens for reporting); an empty allow-list permits
// nothing unless "*" is present.
func (p *Policy) Eligible(pnum, mimeType string, size int64) (bool, error) {
	pol := p.forTenant(pnum)
	if !pol.Enabled {
		return true, nil
	}

	allowed := false
	for _, m := range pol.AllowedMIMETypes {
		if m == "*" || m == mimeType {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	if pol.MaxSize != nil && size > *pol.MaxSize {
		return false, nil
	}
	return true, nil
}

// DetectMIME infers a MIME type from a filename extension only. It
// returns "" for an unknown extension; no content sniffing is done, here
// or by its callers.
func DetectMIME(filename string) string {
	ext := filepath.Ext(filename)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return ""
}
