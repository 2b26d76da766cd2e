package download

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fileport/filegate/internal/config"
)

func TestParseRange(t *testing.T) {
	const total = int64(100)
	cases := []struct {
		name    string
		header  string
		wantErr error
		start   int64
		end     int64
	}{
		{"no range", "", nil, 0, 0},
		{"simple", "bytes=10-20", nil, 10, 20},
		{"open ended", "bytes=50-", nil, 50, 99},
		{"suffix", "bytes=-10", nil, 90, 99},
		{"multipart rejected", "bytes=0-10,20-30", ErrRangeMultipart, 0, 0},
		{"out of range start", "bytes=200-300", ErrRangeUnsatisfiable, 0, 0},
		{"malformed", "bytes=abc-def", ErrRangeMalformed, 0, 0},
		{"clamped end", "bytes=90-500", nil, 90, 99},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			br, err := ParseRange(c.header, total)
			if err != c.wantErr {
				t.Fatalf("err = %v, want %v", err, c.wantErr)
			}
			if c.wantErr != nil {
				return
			}
			if c.header == "" {
				if br != nil {
					t.Fatalf("expected nil range for empty header")
				}
				return
			}
			if br.Start != c.start || br.End != c.end {
				t.Fatalf("got [%d,%d], want [%d,%d]", br.Start, br.End, c.start, c.end)
			}
		})
	}
}

func TestCheckIfRange(t *testing.T) {
	if !CheckIfRange("", `"abc"`) {
		t.Fatal("empty If-Range should always be satisfied")
	}
	if !CheckIfRange(`"abc"`, `"abc"`) {
		t.Fatal("matching If-Range should be satisfied")
	}
	if CheckIfRange(`"abc"`, `"def"`) {
		t.Fatal("mismatched If-Range should not be satisfied")
	}
}

func TestStreamerServeFileFullAndRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o640); err != nil {
		t.Fatalf("write file: %v", err)
	}

	s := NewStreamer(NewPolicy(nil))

	req := httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	rec := httptest.NewRecorder()
	if err := s.ServeFile(rec, req, path); err != nil {
		t.Fatalf("ServeFile: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "0123456789" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec = httptest.NewRecorder()
	if err := s.ServeFile(rec, req, path); err != nil {
		t.Fatalf("ServeFile range: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "234" {
		t.Fatalf("body = %q, want 234", rec.Body.String())
	}
}

func TestPolicyEligible(t *testing.T) {
	maxSize := int64(100)
	p := NewPolicy(map[string]config.ExportPolicy{
		"default": {Enabled: true, AllowedMIMETypes: []string{"text/plain"}, MaxSize: &maxSize},
		"p11":     {Enabled: false},
	})

	ok, err := p.Eligible("p99", "text/plain", 50)
	if err != nil || !ok {
		t.Fatalf("expected eligible via default policy, ok=%v err=%v", ok, err)
	}
	ok, err = p.Eligible("p99", "application/zip", 50)
	if err != nil || ok {
		t.Fatalf("expected ineligible mime type, ok=%v err=%v", ok, err)
	}
	ok, err = p.Eligible("p99", "text/plain", 1000)
	if err != nil || ok {
		t.Fatalf("expected ineligible over max size, ok=%v err=%v", ok, err)
	}
	ok, err = p.Eligible("p11", "text/plain", 50)
	if err != nil || !ok {
		t.Fatalf("expected eligible for disabled tenant policy, ok=%v err=%v", ok, err)
	}

	p2 := NewPolicy(map[string]config.ExportPolicy{
		"p12": {Enabled: true},
	})
	ok, err = p2.Eligible("p12", "text/plain", 50)
	if err != nil || ok {
		t.Fatalf("expected ineligible for empty allow-list, ok=%v err=%v", ok, err)
	}

	p3 := NewPolicy(map[string]config.ExportPolicy{
		"p13": {Enabled: true, AllowedMIMETypes: []string{"*"}},
	})
	ok, err = p3.Eligible("p13", "application/zip", 50)
	if err != nil || !ok {
		t.Fatalf("expected eligible via wildcard allow-list, ok=%v err=%v", ok, err)
	}
}
