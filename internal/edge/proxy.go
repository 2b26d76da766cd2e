// Package edge implements the EdgeProxy: the public-facing upload handler
// that authorizes and validates a request, then relays its body
// chunk-by-chunk through a bounded single-slot channel to the internal,
// loopback-only StreamPipeline endpoint. EdgeProxy never touches disk
// itself.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/fileport/filegate/internal/apierror"
	"github.com/fileport/filegate/internal/authz"
	"github.com/fileport/filegate/internal/tenant"
)

// chunkOrderMessage is the literal error-envelope message the inner
// StreamPipeline handler uses to signal an out-of-order chunk; EdgeProxy
// rewrites the status to 400 regardless of what the inner handler sent,
// since the proxied channel may have already committed to 200.
const chunkOrderMessage = "chunk_order_incorrect"

// internalRequestTimeout bounds the loopback request to the internal
// pipeline handler; streaming uploads can legitimately run for hours.
const internalRequestTimeout = 3 * time.Hour

// chunkBufferSize is the size of each relayed read from the client body;
// the channel between the reader goroutine and the internal request body
// holds at most one buffer in flight at a time (single-slot backpressure).
const chunkBufferSize = 256 * 1024

// Proxy is the EdgeProxy component.
type Proxy struct {
	InternalBaseURL string
	Gate            *authz.Gate
	Resolver        *tenant.Resolver
	Client          *http.Client
}

// New builds a Proxy targeting the internal pipeline's loopback address.
func New(internalBaseURL string, gate *authz.Gate, resolver *tenant.Resolver) *Proxy {
	return &Proxy{
		InternalBaseURL: internalBaseURL,
		Gate:            gate,
		Resolver:        resolver,
		Client:          &http.Client{Timeout: internalRequestTimeout},
	}
}

// ServeUpload validates and authorizes a streaming upload, then relays it
// to the internal pipeline handler via a bounded-channel body proxy.
func (p *Proxy) ServeUpload(w http.ResponseWriter, r *http.Request, pnum, backend, filename string) {
	if !tenant.ValidPnum(pnum) {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, "invalid project number"))
		return
	}
	if !validFilename(filename) {
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "invalid filename"))
		return
	}

	group := r.URL.Query().Get("group")
	if group != "" && !tenant.ValidGroup(pnum, group) {
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "invalid group"))
		return
	}

	claims, err := p.Gate.Authorize(r.Context(), r, pnum, nil)
	if err != nil {
		apierror.Write(w, classifyAuthErr(err))
		return
	}
	if group != "" && !groupMember(claims.Groups, group) {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "not a member of the requested group"))
		return
	}

	internalURL := fmt.Sprintf("%s/internal/v1/%s/%s/stream/%s", p.InternalBaseURL, pnum, backend, filename)
	query := url.Values{}
	if chunk := r.URL.Query().Get("chunk"); chunk != "" {
		query.Set("chunk", chunk)
	}
	if id := r.URL.Query().Get("id"); id != "" {
		query.Set("id", id)
	}
	if group != "" {
		query.Set("group", group)
	}
	if totalSize := r.URL.Query().Get("total_size"); totalSize != "" {
		query.Set("total_size", totalSize)
	}
	if len(query) > 0 {
		internalURL += "?" + query.Encode()
	}

	pr, pw := io.Pipe()
	go relayBody(r.Body, pw)

	ctx, cancel := context.WithTimeout(r.Context(), internalRequestTimeout)
	defer cancel()

	internalReq, err := http.NewRequestWithContext(ctx, r.Method, internalURL, pr)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to build internal request"))
		return
	}
	internalReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	internalReq.Header.Set("Aes-Key", r.Header.Get("Aes-Key"))
	internalReq.Header.Set("Aes-Iv", r.Header.Get("Aes-Iv"))
	if pragma := r.Header.Get("Pragma"); pragma != "" {
		internalReq.Header.Set("Pragma", pragma)
	}
	internalReq.Header.Set("X-Filegate-User", claims.User)
	internalReq.ContentLength = r.ContentLength

	resp, err := p.Client.Do(internalReq)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "upload pipeline unavailable"))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	status := resp.StatusCode
	var envelope struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Message == chunkOrderMessage {
		status = http.StatusBadRequest
	}

	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(status)
	w.Write(body)
}

func groupMember(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// relayBody copies src into dst in chunkBufferSize steps, using a
// single-slot channel so the client cannot race arbitrarily far ahead of
// the internal handler's disk writes.
func relayBody(src io.ReadCloser, dst *io.PipeWriter) {
	defer src.Close()
	slot := make(chan []byte, 1)
	errc := make(chan error, 1)

	go func() {
		buf := make([]byte, chunkBufferSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				cp := bytes.Clone(buf[:n])
				slot <- cp
			}
			if err != nil {
				if err == io.EOF {
					errc <- nil
				} else {
					errc <- err
				}
				close(slot)
				return
			}
		}
	}()

	for chunk := range slot {
		if _, err := dst.Write(chunk); err != nil {
			dst.CloseWithError(err)
			return
		}
	}
	dst.CloseWithError(<-errc)
}

func classifyAuthErr(err error) *apierror.Error {
	switch {
	case err == authz.ErrMissingToken:
		return apierror.New(apierror.AuthMissing, "missing bearer token")
	case err == authz.ErrMalformed:
		return apierror.New(apierror.AuthMalformed, "malformed authorization header")
	case err == authz.ErrInvalidTenant:
		return apierror.New(apierror.TenantInvalid, "invalid tenant")
	default:
		return apierror.New(apierror.AuthRejected, "token rejected")
	}
}

func validFilename(name string) bool {
	if name == "" || name != filepath.Base(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
