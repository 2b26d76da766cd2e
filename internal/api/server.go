// Package api wires the HTTP surface: a public mux (EdgeProxy streaming
// uploads, resumable chunk uploads, range downloads) and an internal,
// loopback-only mux serving the StreamPipeline endpoint that EdgeProxy
// relays to.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fileport/filegate/internal/apierror"
	"github.com/fileport/filegate/internal/authz"
	"github.com/fileport/filegate/internal/config"
	"github.com/fileport/filegate/internal/download"
	"github.com/fileport/filegate/internal/edge"
	"github.com/fileport/filegate/internal/hook"
	"github.com/fileport/filegate/internal/logging"
	"github.com/fileport/filegate/internal/metrics"
	"github.com/fileport/filegate/internal/pipeline"
	"github.com/fileport/filegate/internal/resumable"
	"github.com/fileport/filegate/internal/tenant"
)

// Server holds every component the HTTP handlers need.
type Server struct {
	cfg      *config.Config
	resolver *tenant.Resolver
	gate     *authz.Gate
	proxy    *edge.Proxy
	pipe     *pipeline.Pipeline
	streamer *download.Streamer
	policy   *download.Policy
	hookInv  *hook.Invoker

	storesMu sync.Mutex
	stores   map[string]*resumable.Store // keyed by dir+"/"+user
}

// NewServer builds a Server from configuration and the default
// collaborators (StaticKeyStore/JWTVerifier); callers may swap
// s.gate.Keys / s.gate.Verifier for production secret stores.
func NewServer(cfg *config.Config, keyring *pipeline.Keyring) *Server {
	resolver := tenant.NewResolver(cfg.Backends)
	gate := authz.New(authz.NewStaticKeyStore(nil), authz.JWTVerifier{})
	hookInv := hook.NewInvoker(time.Duration(cfg.RequestHookTimeoutSeconds) * time.Second)
	policy := download.NewPolicy(cfg.ExportPolicies)

	return &Server{
		cfg:      cfg,
		resolver: resolver,
		gate:     gate,
		proxy:    edge.New(cfg.InternalAddr, gate, resolver),
		pipe:     &pipeline.Pipeline{Keyring: keyring, Hook: hookInv},
		streamer: download.NewStreamer(policy),
		policy:   policy,
		hookInv:  hookInv,
		stores:   make(map[string]*resumable.Store),
	}
}

// PublicMux returns the internet-facing handler.
func (s *Server) PublicMux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("HEAD /v1/{pnum}/files/health", metrics.InstrumentRoute("health", http.HandlerFunc(s.handleHealth)))

	// EdgeProxy: direct streaming uploads and resumable chunks alike land
	// here; the internal StreamPipeline endpoint decides which by the
	// presence of a chunk query parameter.
	for _, method := range []string{"POST", "PUT", "PATCH"} {
		mux.Handle(method+" /v1/{pnum}/{backend}/stream/{filename}", metrics.InstrumentRoute("stream_upload", http.HandlerFunc(s.handleStreamUpload)))
	}

	mux.Handle("GET /v1/{pnum}/{backend}/resumables/{filename}", metrics.InstrumentRoute("resumable_status", http.HandlerFunc(s.handleResumableStatus)))
	mux.Handle("GET /v1/{pnum}/{backend}/resumables", metrics.InstrumentRoute("resumable_list", http.HandlerFunc(s.handleResumableList)))
	mux.Handle("DELETE /v1/{pnum}/{backend}/resumables/{filename}", metrics.InstrumentRoute("resumable_delete", http.HandlerFunc(s.handleResumableDelete)))

	mux.Handle("GET /v1/{pnum}/{backend}/export", metrics.InstrumentRoute("export_list", http.HandlerFunc(s.handleExportListing)))
	mux.Handle("GET /v1/{pnum}/{backend}/export/{filename}", metrics.InstrumentRoute("download", http.HandlerFunc(s.handleDownload)))
	mux.Handle("HEAD /v1/{pnum}/{backend}/export/{filename}", metrics.InstrumentRoute("download_head", http.HandlerFunc(s.handleDownload)))

	for _, method := range []string{"POST", "PUT", "PATCH", "HEAD"} {
		mux.Handle(method+" /v1/{pnum}/files/upload", metrics.InstrumentRoute("form_upload", http.HandlerFunc(s.handleFormUpload)))
		mux.Handle(method+" /v1/{pnum}/sns/{keyid}/{formid}", metrics.InstrumentRoute("sns_form_upload", http.HandlerFunc(s.handleSnsFormUpload)))
	}

	return logging.Middleware(mux)
}

// InternalMux returns the loopback-only handler that the EdgeProxy relays
// streaming uploads (direct and resumable-chunk alike) to. Callers must
// bind it on cfg.InternalAddr only.
func (s *Server) InternalMux() http.Handler {
	mux := http.NewServeMux()
	for _, method := range []string{"POST", "PUT", "PATCH"} {
		mux.HandleFunc(method+" /internal/v1/{pnum}/{backend}/stream/{filename}", s.handleInternalStream)
	}
	return logging.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backend := r.PathValue("backend")
	filename := r.PathValue("filename")
	s.proxy.ServeUpload(w, r, pnum, backend, filename)
}

// handleInternalStream is the StreamPipeline endpoint: it owns the actual
// disk I/O and the subprocess decoder chain, reachable only via the
// loopback address EdgeProxy relays to. A chunk query parameter routes
// the request through the ChunkEngine instead of a direct write.
func (s *Server) handleInternalStream(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")
	filename := r.PathValue("filename")
	user := r.Header.Get("X-Filegate-User")

	destDir, err := s.resolver.Resolve(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}

	group := r.URL.Query().Get("group")
	if group == "" {
		group = tenant.DefaultGroup(pnum)
	}

	if chunkParam := r.URL.Query().Get("chunk"); chunkParam != "" {
		s.handleChunkStream(w, r, pnum, backendName, filename, destDir, user, group, chunkParam)
		return
	}
	s.handleDirectStream(w, r, pnum, backendName, filename, destDir, user, group)
}

// handleDirectStream performs a direct (non-resumable) write: the
// decoder chain's output is renamed straight into its canonical name.
func (s *Server) handleDirectStream(w http.ResponseWriter, r *http.Request, pnum, backendName, filename, destDir, user, group string) {
	sess, err := s.pipe.Prepare(r.Context(), pipeline.PrepareRequest{
		ContentType:  r.Header.Get("Content-Type"),
		DestDir:      destDir,
		Filename:     filename,
		AesKeyHeader: r.Header.Get("Aes-Key"),
		AesIvHeader:  r.Header.Get("Aes-Iv"),
	})
	if err != nil {
		logging.Error("pipeline prepare failed", logging.Err(err))
		apierror.Write(w, apierror.New(apierror.Internal, "failed to prepare upload pipeline"))
		return
	}

	if err := drainBody(r, sess); err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, err.Error()))
		return
	}

	backend, _ := s.resolver.Backend(backendName)
	result, err := sess.Finalize(r.Context(), backend.RequestHook, user, s.cfg.APIUser, group)
	if err != nil {
		logging.Error("pipeline finalize failed", logging.Err(err))
		apierror.Write(w, apierror.New(apierror.Internal, "failed to finalize upload"))
		return
	}

	metrics.UploadBytesTotal.WithLabelValues(pnum).Add(float64(result.Bytes))
	w.WriteHeader(http.StatusCreated)
}

// handleChunkStream routes one resumable chunk request through the
// StreamPipeline's decoder chain and then the ChunkEngine: the chunk's
// bytes are decrypted/decompressed exactly like a direct upload before
// AppendMerge ever sees them, per the documented "prepare, data_received,
// finalize (invoke append_merge), on_finish" lifecycle.
func (s *Server) handleChunkStream(w http.ResponseWriter, r *http.Request, pnum, backendName, filename, destDir, user, group, chunkParam string) {
	uploadID := r.URL.Query().Get("id")

	params, err := resumable.Classify(chunkParam, uploadID)
	if err != nil {
		switch {
		case errors.Is(err, resumable.ErrChunkOutOfOrder):
			metrics.ChunkOrderViolations.WithLabelValues(pnum).Inc()
			apierror.Write(w, apierror.New(apierror.ChunkOutOfOrder, "chunk_order_incorrect"))
		case errors.Is(err, resumable.ErrMissingUploadID):
			apierror.Write(w, apierror.New(apierror.FilenameInvalid, "missing upload id"))
		default:
			apierror.Write(w, apierror.New(apierror.FilenameInvalid, "invalid chunk parameter"))
		}
		return
	}

	store, err := s.storeFor(destDir, user)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to open resumable index"))
		return
	}
	engine := &resumable.Engine{Store: store}
	backend, _ := s.resolver.Backend(backendName)

	if params.State == resumable.StateFinalizing {
		if err := engine.Finalize(r.Context(), destDir, filename, params.UploadID); err != nil {
			logging.Error("finalize failed", logging.Err(err))
			apierror.Write(w, apierror.New(apierror.Internal, "failed to finalize upload"))
			return
		}
		finalPath := filepath.Join(destDir, filename)
		if backend.RequestHook != "" {
			s.hookInv.Invoke(r.Context(), backend.RequestHook, finalPath, user, s.cfg.APIUser, group)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"filename":%q,"id":%q}`, filename, params.UploadID)
		return
	}

	if params.State == resumable.StateNew {
		params.UploadID = uuid.NewString()
		if err := store.InsertNew(r.Context(), resumable.UploadRecord{
			UploadID: params.UploadID, Owner: user, Group: group,
			Filename: filename, CreatedAt: time.Now(),
		}); err != nil {
			apierror.Write(w, apierror.New(apierror.Internal, "failed to register upload"))
			return
		}
	}

	sess, err := s.pipe.Prepare(r.Context(), pipeline.PrepareRequest{
		ContentType:  r.Header.Get("Content-Type"),
		DestDir:      destDir,
		Filename:     filename,
		AesKeyHeader: r.Header.Get("Aes-Key"),
		AesIvHeader:  r.Header.Get("Aes-Iv"),
	})
	if err != nil {
		logging.Error("pipeline prepare failed", logging.Err(err))
		apierror.Write(w, apierror.New(apierror.Internal, "failed to prepare upload pipeline"))
		return
	}
	if err := drainBody(r, sess); err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, err.Error()))
		return
	}

	decodedPath, decodedSize, err := sess.FinalizeChunk()
	if err != nil {
		logging.Error("chunk decode finalize failed", logging.Err(err))
		apierror.Write(w, apierror.New(apierror.Internal, "failed to decode chunk"))
		return
	}
	defer os.Remove(decodedPath)

	decoded, err := os.Open(decodedPath)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to read decoded chunk"))
		return
	}
	defer decoded.Close()

	var totalSize int64
	if v := r.URL.Query().Get("total_size"); v != "" {
		totalSize, _ = strconv.ParseInt(v, 10, 64)
	}

	result, err := engine.AppendMerge(r.Context(), destDir, filename, params.UploadID, params.ChunkNum, decoded, totalSize)
	switch {
	case errors.Is(err, resumable.ErrChunkOutOfOrder):
		metrics.ChunkOrderViolations.WithLabelValues(pnum).Inc()
		apierror.Write(w, apierror.New(apierror.ChunkOutOfOrder, "chunk_order_incorrect"))
		return
	case errors.Is(err, resumable.ErrChunkDuplicate):
		apierror.Write(w, apierror.New(apierror.ChunkDuplicate, "chunk already received"))
		return
	case err != nil:
		logging.Error("append-merge failed", logging.Err(err))
		apierror.Write(w, apierror.New(apierror.Internal, "failed to store chunk"))
		return
	}

	metrics.UploadBytesTotal.WithLabelValues(pnum).Add(float64(decodedSize))

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"filename":%q,"id":%q,"max_chunk":%d}`, filename, params.UploadID, result.ChunkNum)
}

// drainBody copies the request body into sess in fixed-size reads,
// aborting the session on any read or write failure.
func drainBody(r *http.Request, sess *pipeline.Session) error {
	buf := make([]byte, 256*1024)
	for {
		n, rerr := r.Body.Read(buf)
		if n > 0 {
			if werr := sess.DataReceived(buf[:n]); werr != nil {
				sess.OnConnectionClose()
				return fmt.Errorf("upload pipeline write failed: %w", werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			sess.OnConnectionClose()
			return fmt.Errorf("upload read failed: %w", rerr)
		}
	}
}

func (s *Server) storeFor(dir, user string) (*resumable.Store, error) {
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	key := dir + "/" + user
	if st, ok := s.stores[key]; ok {
		return st, nil
	}
	st, err := resumable.OpenForUser(dir, user)
	if err != nil {
		return nil, err
	}
	s.stores[key] = st
	return st, nil
}

// handleResumableList reports every in-flight resumable owned by the
// caller for this backend, used by clients that lost track of an upload
// id and do not know the filename either (Discover covers lookup by
// filename).
func (s *Server) handleResumableList(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")

	claims, err := s.gate.Authorize(r.Context(), r, pnum, nil)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}
	dir, err := s.resolver.Resolve(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}
	store, err := s.storeFor(dir, claims.User)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to open resumable index"))
		return
	}

	records, err := store.AllForUser(r.Context(), claims.User)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to list resumables"))
		return
	}

	type resumableEntry struct {
		Filename string `json:"filename"`
		ID       string `json:"id"`
	}
	out := make([]resumableEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, resumableEntry{Filename: rec.Filename, ID: rec.UploadID})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Resumables []resumableEntry `json:"resumables"`
	}{out})
}

// handleExportListing enumerates a tenant's export directory, reporting
// per-file download eligibility under the configured export policy.
func (s *Server) handleExportListing(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")

	if !tenant.ValidPnum(pnum) {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, "invalid project number"))
		return
	}
	if _, err := s.gate.Authorize(r.Context(), r, pnum, nil); err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}

	dir, err := s.resolver.ResolveExport(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}

	entries, err := s.streamer.Listing(pnum, dir, s.cfg.ExportMaxNumList)
	if err != nil {
		if errors.Is(err, download.ErrTooManyFiles) {
			apierror.Write(w, apierror.New(apierror.PolicyRejected, "too many files, create an archive"))
			return
		}
		apierror.Write(w, apierror.New(apierror.Internal, "failed to list export directory"))
		return
	}

	type fileEntry struct {
		Filename   string `json:"filename"`
		Size       int64  `json:"size"`
		ModTime    int64  `json:"mtime"`
		Href       string `json:"href"`
		Exportable bool   `json:"exportable"`
		Reason     string `json:"reason,omitempty"`
		MIMEType   string `json:"mime-type,omitempty"`
		Owner      string `json:"owner,omitempty"`
	}
	out := make([]fileEntry, 0, len(entries))
	for _, fe := range entries {
		out = append(out, fileEntry{
			Filename:   fe.Filename,
			Size:       fe.Size,
			ModTime:    fe.ModTime.Unix(),
			Href:       fmt.Sprintf("/v1/%s/%s/export/%s", pnum, backendName, fe.Filename),
			Exportable: fe.Exportable,
			Reason:     fe.Reason,
			MIMEType:   fe.MIMEType,
			Owner:      fe.Owner,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Files []fileEntry `json:"files"`
	}{out})
}

// formUploadMaxMemory bounds the portion of a multipart form buffered in
// memory before spilling file parts to temp files.
const formUploadMaxMemory = 32 << 20

// handleFormUpload implements the generic multipart form-upload route: each
// file part is committed atomically, swapping any pre-existing target aside
// to a ".part"-suffixed name first.
func (s *Server) handleFormUpload(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	if !tenant.ValidPnum(pnum) {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, "invalid project number"))
		return
	}
	claims, err := s.gate.Authorize(r.Context(), r, pnum, nil)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}

	dir, err := s.resolver.Resolve("files", pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}

	written, bytesWritten, err := writeMultipartFiles(r, dir)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, err.Error()))
		return
	}
	if len(written) == 0 {
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "no file parts in form body"))
		return
	}

	metrics.UploadBytesTotal.WithLabelValues(pnum).Add(float64(bytesWritten))
	logging.Info("form upload complete", logging.String("user", claims.User))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Filenames []string `json:"filenames"`
	}{written})
}

// handleSnsFormUpload implements the per-form SNS variant: every uploaded
// file is additionally copied into that form's hidden subfolder, keyed by
// keyid/formid, for downstream per-submission processing.
func (s *Server) handleSnsFormUpload(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	formID := r.PathValue("formid")
	if !tenant.ValidPnum(pnum) {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, "invalid project number"))
		return
	}
	if _, err := s.gate.Authorize(r.Context(), r, pnum, nil); err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}

	dir, err := s.resolver.Resolve("sns", pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}
	subDir, err := s.resolver.ResolveSubfolder("sns", pnum, formID)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}

	written, bytesWritten, err := writeMultipartFiles(r, dir)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, err.Error()))
		return
	}
	if len(written) == 0 {
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "no file parts in form body"))
		return
	}

	for _, name := range written {
		if err := copyFileTo(filepath.Join(dir, name), filepath.Join(subDir, name)); err != nil {
			apierror.Write(w, apierror.New(apierror.Internal, "failed to copy into form subfolder"))
			return
		}
	}

	metrics.UploadBytesTotal.WithLabelValues(pnum).Add(float64(bytesWritten))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Filenames []string `json:"filenames"`
	}{written})
}

// writeMultipartFiles commits every file part of r's multipart form into
// dir, returning the committed filenames and their combined byte count.
func writeMultipartFiles(r *http.Request, dir string) ([]string, int64, error) {
	if err := r.ParseMultipartForm(formUploadMaxMemory); err != nil {
		return nil, 0, fmt.Errorf("failed to parse multipart form: %w", err)
	}
	if r.MultipartForm == nil {
		return nil, 0, nil
	}

	var written []string
	var total int64
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			name := filepath.Base(fh.Filename)
			if name == "" || name == "." {
				continue
			}
			n, err := writeMultipartFile(fh, dir, name)
			if err != nil {
				return written, total, fmt.Errorf("field %s: %w", field, err)
			}
			written = append(written, name)
			total += n
		}
	}
	return written, total, nil
}

// writeMultipartFile commits one file part under name in dir: an existing
// file at the target path is first swapped aside to a ".part" name, the
// incoming bytes land in a fresh uuid-suffixed temp file, and that temp
// file is renamed over the canonical target only once fully written.
func writeMultipartFile(fh *multipart.FileHeader, dir, name string) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, fmt.Errorf("open upload part: %w", err)
	}
	defer src.Close()

	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, target+".part"); err != nil {
			return 0, fmt.Errorf("swap aside existing file: %w", err)
		}
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", target, uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if n == 0 {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("empty file body rejected")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("commit temp file: %w", err)
	}
	return n, nil
}

// copyFileTo copies src to dst, creating dst's parent directory if needed.
func copyFileTo(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (s *Server) handleResumableStatus(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")
	filename := r.PathValue("filename")

	claims, err := s.gate.Authorize(r.Context(), r, pnum, nil)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}
	dir, err := s.resolver.Resolve(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}
	store, err := s.storeFor(dir, claims.User)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to open resumable index"))
		return
	}
	engine := &resumable.Engine{Store: store}

	uploadID := r.URL.Query().Get("id")
	if uploadID == "" {
		uploadID, err = engine.Discover(r.Context(), dir, claims.User, filename)
		if err != nil {
			apierror.Write(w, apierror.New(apierror.NotFound, "no in-flight upload found"))
			return
		}
	}

	report, err := engine.RepairIfTorn(r.Context(), dir, filename, uploadID)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to inspect upload"))
		return
	}

	if report.WasTorn {
		outcome := "repaired"
		if !report.Repaired {
			outcome = "unrecoverable"
		}
		metrics.TornMergeRepairs.WithLabelValues(outcome).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"upload_id":%q,"merged_size":%d,"total_size":%d,"recommend":%q}`,
		uploadID, report.MergedSize, report.TotalSize, report.Recommend)
}

func (s *Server) handleResumableDelete(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")
	filename := r.PathValue("filename")

	claims, err := s.gate.Authorize(r.Context(), r, pnum, nil)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}
	uploadID := r.URL.Query().Get("id")
	if uploadID == "" {
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "missing upload id"))
		return
	}

	dir, err := s.resolver.Resolve(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}
	store, err := s.storeFor(dir, claims.User)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to open resumable index"))
		return
	}

	owned, err := store.BelongsToUser(r.Context(), uploadID, claims.User)
	if err != nil || !owned {
		apierror.Write(w, apierror.New(apierror.NotFound, "no such upload"))
		return
	}

	os.RemoveAll(filepath.Join(dir, uploadID))
	os.Remove(filepath.Join(dir, fmt.Sprintf("%s.%s", filename, uploadID)))
	os.Remove(filepath.Join(dir, fmt.Sprintf("%s.%s.lock", filename, uploadID)))
	if err := store.RemoveCompleted(r.Context(), uploadID); err != nil {
		apierror.Write(w, apierror.New(apierror.Internal, "failed to clear upload bookkeeping"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	pnum := r.PathValue("pnum")
	backendName := r.PathValue("backend")
	filename := r.PathValue("filename")

	if !tenant.ValidPnum(pnum) {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, "invalid project number"))
		return
	}
	if _, err := s.gate.Authorize(r.Context(), r, pnum, nil); err != nil {
		apierror.Write(w, apierror.New(apierror.AuthRejected, "token rejected"))
		return
	}

	dir, err := s.resolver.ResolveExport(backendName, pnum)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.TenantInvalid, err.Error()))
		return
	}
	path := filepath.Join(dir, filename)
	if filepath.Dir(path) != filepath.Clean(dir) {
		apierror.Write(w, apierror.New(apierror.SubpathAttempt, "path traversal rejected"))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.NotFound, "file not found"))
		return
	}

	mimeType := download.DetectMIME(filename)
	eligible, err := s.policy.Eligible(pnum, mimeType, info.Size())
	if err != nil || !eligible {
		apierror.Write(w, apierror.New(apierror.PolicyRejected, "export not permitted"))
		return
	}

	if err := s.streamer.ServeFile(w, r, path); err != nil {
		writeDownloadErr(w, err)
		return
	}
	metrics.DownloadBytesTotal.WithLabelValues(pnum).Add(float64(info.Size()))
}

func writeDownloadErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, download.ErrRangeMultipart):
		apierror.Write(w, apierror.New(apierror.RangeMultipart, "multipart ranges are not supported"))
	case errors.Is(err, download.ErrRangeUnsatisfiable):
		apierror.Write(w, apierror.New(apierror.RangeUnsatisfiable, "range not satisfiable"))
	case errors.Is(err, download.ErrIfRangeMismatch):
		apierror.Write(w, apierror.New(apierror.PolicyRejected, "if-range precondition failed"))
	case errors.Is(err, download.ErrRangeMalformed):
		apierror.Write(w, apierror.New(apierror.FilenameInvalid, "malformed range header"))
	default:
		apierror.Write(w, apierror.New(apierror.Internal, "download failed"))
	}
}

// Close releases all open per-user resumable index databases.
func (s *Server) Close() error {
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	var first error
	for _, st := range s.stores {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
