package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"lsifd/internal/backend"
	"lsifd/internal/errors"
	"lsifd/internal/jobs"
	"lsifd/internal/lsif"
	"lsifd/internal/version"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// validateRepositoryAndCommit checks the query parameters every endpoint
// shares. A non-empty message means the request is bad.
func validateRepositoryAndCommit(repository, commit string) string {
	if repository == "" {
		return "must specify a repository"
	}
	if !commitPattern.MatchString(commit) {
		return "must specify a 40-character commit hash"
	}
	return ""
}

// handleUpload accepts a gzipped LSIF upload, spools it to disk, and
// enqueues a convert job. The response arrives before conversion runs.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	repository := query.Get("repository")
	commit := query.Get("commit")
	root := normalizeRoot(query.Get("root"))
	skipValidation := query.Get("skipValidation") == "true"

	if message := validateRepositoryAndCommit(repository, commit); message != "" {
		s.metrics.UploadsRejectedTotal.Inc()
		BadRequest(w, message)
		return
	}
	if r.ContentLength > s.maxUploadSize {
		s.metrics.UploadsRejectedTotal.Inc()
		WriteJSON(w, ErrorResponse{Error: "upload too large"}, http.StatusRequestEntityTooLarge)
		return
	}

	uploadID := uuid.New().String()
	filename := s.paths.UploadFilename(uploadID)
	size, err := s.spoolUpload(filename, http.MaxBytesReader(w, r.Body, s.maxUploadSize))
	if err != nil {
		s.metrics.UploadsRejectedTotal.Inc()
		os.Remove(filename)
		if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
			WriteJSON(w, ErrorResponse{Error: "upload too large"}, http.StatusRequestEntityTooLarge)
			return
		}
		WriteError(w, err)
		return
	}

	if !skipValidation {
		if err := validateUpload(filename); err != nil {
			s.metrics.UploadsRejectedTotal.Inc()
			os.Remove(filename)
			WriteError(w, err)
			return
		}
	}

	if s.git != nil {
		if err := s.xrepo.DiscoverAndUpdateCommit(r.Context(), s.git, repository, commit); err != nil {
			s.logger.Warn("Failed to discover commit on upload", map[string]interface{}{
				"repository": repository,
				"commit":     commit,
				"error":      err.Error(),
			})
		}
	}

	job, err := jobs.NewConvertJob(repository, commit, root, filename, s.maxAttempts)
	if err != nil {
		os.Remove(filename)
		WriteError(w, err)
		return
	}
	if err := s.jobStore.CreateJob(r.Context(), job); err != nil {
		os.Remove(filename)
		WriteError(w, err)
		return
	}

	s.metrics.UploadsAcceptedTotal.Inc()
	s.metrics.UploadBytes.Observe(float64(size))
	s.logger.Info("Accepted upload", map[string]interface{}{
		"jobId":      job.ID,
		"repository": repository,
		"commit":     commit,
		"root":       root,
		"size":       size,
	})
	WriteJSON(w, map[string]string{"id": job.ID}, http.StatusOK)
}

// spoolUpload copies the request body to filename and returns the byte
// count.
func (s *Server) spoolUpload(filename string, body io.Reader) (int64, error) {
	file, err := os.Create(filename)
	if err != nil {
		return 0, errors.Wrap(errors.Transient, "failed to create upload file", err)
	}
	defer file.Close()

	size, err := io.Copy(file, body)
	if err != nil {
		if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
			return 0, err
		}
		return 0, errors.Wrap(errors.Transient, "failed to spool upload", err)
	}
	return size, nil
}

// validateUpload gunzips the spooled file, checks each line is a
// well-formed element, and requires a metaData vertex somewhere in the
// stream. Conversion repeats the full parse; this pass exists to reject
// junk before it occupies the queue.
func validateUpload(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to open upload file", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return errors.Wrap(errors.InvalidPayload, "upload is not gzip-compressed", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	sawMetaData := false
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		element, err := lsif.ValidateLine(scanner.Bytes())
		if err != nil {
			return errors.Wrap(errors.InvalidPayload, fmt.Sprintf("invalid LSIF on line %d", line), err)
		}
		if element.Type == lsif.TypeVertex && element.Label == lsif.VertexMetaData {
			sawMetaData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(errors.InvalidPayload, "failed to read upload", err)
	}
	if line == 0 {
		return errors.New(errors.InvalidPayload, "upload is empty")
	}
	if !sawMetaData {
		return errors.New(errors.InvalidPayload, "upload contains no metaData vertex")
	}
	return nil
}

// handleExists reports whether the commit has a dump containing the file.
func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	repository := query.Get("repository")
	commit := query.Get("commit")
	file := query.Get("file")

	if message := validateRepositoryAndCommit(repository, commit); message != "" {
		BadRequest(w, message)
		return
	}
	if file == "" {
		BadRequest(w, "must specify a file")
		return
	}

	exists, err := s.backend.Exists(r.Context(), repository, commit, file)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, exists, http.StatusOK)
}

// requestBody is the payload of POST /request.
type requestBody struct {
	Path     string           `json:"path"`
	Position backend.Position `json:"position"`
	Method   string           `json:"method"`
}

// handleRequest dispatches a definitions, references, or hover query.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	repository := query.Get("repository")
	commit := query.Get("commit")

	if message := validateRepositoryAndCommit(repository, commit); message != "" {
		BadRequest(w, message)
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		BadRequest(w, "malformed request body")
		return
	}
	if body.Path == "" {
		BadRequest(w, "must specify a path")
		return
	}

	ctx := r.Context()
	switch body.Method {
	case "definitions":
		locations, err := s.backend.Definitions(ctx, repository, commit, body.Path, body.Position)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, nonNil(locations), http.StatusOK)
	case "references":
		locations, err := s.backend.References(ctx, repository, commit, body.Path, body.Position)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, nonNil(locations), http.StatusOK)
	case "hover":
		hover, err := s.backend.Hover(ctx, repository, commit, body.Path, body.Position)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, hover, http.StatusOK)
	default:
		WriteJSON(w, ErrorResponse{Error: "unsupported method"}, http.StatusUnprocessableEntity)
	}
}

// handleGetJob returns the state of one job for operator inspection.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	job, found, err := s.jobStore.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !found {
		WriteJSON(w, ErrorResponse{Error: "job not found"}, http.StatusNotFound)
		return
	}
	WriteJSON(w, job, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	WriteJSON(w, "ok", http.StatusOK)
}

// PingResponse is the body of GET /ping.
type PingResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	WriteJSON(w, PingResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
	}, http.StatusOK)
}

// normalizeRoot canonicalizes the root parameter: empty means the
// repository root, anything else carries a trailing slash so prefix
// comparison against paths works.
func normalizeRoot(root string) string {
	root = strings.TrimPrefix(root, "/")
	if root == "" || root == "/" {
		return ""
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}

// nonNil keeps empty results encoding as [] instead of null.
func nonNil(locations []backend.Location) []backend.Location {
	if locations == nil {
		return []backend.Location{}
	}
	return locations
}
