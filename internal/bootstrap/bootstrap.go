// Package bootstrap reimplements original_source/src/server.py's small
// Flask app: a health check, a one-shot JuiceFS/Storj formatting hook, and
// a metrics placeholder. It is an external collaborator (spec.md §1) with
// no dependency on internal/proxy, internal/session, internal/pool, or
// internal/respauth, and ships as its own binary (cmd/bootstrap-server).
package bootstrap

import (
	"encoding/json"
	"net/http"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server holds the dependencies for the three routes.
type Server struct {
	log *zap.Logger
	mux *http.ServeMux

	// runFormat is overridable in tests so they don't shell out to a real
	// juicefs binary.
	runFormat func(args []string) (stdout string, err error)
}

// New builds a Server with its routes registered.
func New(log *zap.Logger) *Server {
	s := &Server{log: log, mux: http.NewServeMux()}
	s.runFormat = runJuiceFSFormat
	s.mux.HandleFunc("/up", s.handleHealth)
	s.mux.HandleFunc("/bootstrap", s.handleBootstrap)
	s.mux.HandleFunc("/metrics", s.handleMetricsPlaceholder)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bootstrapResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleBootstrap mirrors server.py's bootstrap(): it checks for the four
// required env vars, shells out to `juicefs format`, and reports the
// result. Each request gets a correlation id for log tracing, since unlike
// the original's single-worker Flask process this can be concurrently hit.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reqID := uuid.NewString()
	log := s.log.With(zap.String("request_id", reqID))

	accessKey := os.Getenv("STORJ_ACCESS_KEY")
	secretKey := os.Getenv("STORJ_SECRET_KEY")
	bucketURL := os.Getenv("STORJ_BUCKET_URL")
	redisURL := os.Getenv("REDIS_URL")

	var missing []string
	if accessKey == "" {
		missing = append(missing, "STORJ_ACCESS_KEY")
	}
	if secretKey == "" {
		missing = append(missing, "STORJ_SECRET_KEY")
	}
	if bucketURL == "" {
		missing = append(missing, "STORJ_BUCKET_URL")
	}
	if redisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		log.Warn("bootstrap request missing required env vars", zap.Strings("missing", missing))
		writeJSON(w, http.StatusBadRequest, bootstrapResponse{
			Success: false,
			Error:   "missing required environment variables: " + joinCommaSpace(missing),
		})
		return
	}

	args := []string{
		"format",
		"--storage", "s3",
		"--bucket", bucketURL,
		"--access-key", accessKey,
		"--secret-key", secretKey,
		redisURL + "/0",
		"sharedvol",
	}

	log.Info("running juicefs format")
	out, err := s.runFormat(args)
	if err != nil {
		log.Error("juicefs format failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, bootstrapResponse{Success: false, Error: err.Error()})
		return
	}

	log.Info("juicefs format succeeded")
	writeJSON(w, http.StatusOK, bootstrapResponse{Success: true, Output: out})
}

// handleMetricsPlaceholder matches server.py's /metrics route exactly: the
// original never actually wires this into the running proxy instance, so
// the honest behavior to preserve is the placeholder response, not a real
// metrics payload (the real metrics live on internal/metrics.Prometheus's
// own /metrics endpoint in the proxy process).
func (s *Server) handleMetricsPlaceholder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "proxy_stats_not_available",
		"message": "statistics endpoint requires proxy integration",
	})
}

func runJuiceFSFormat(args []string) (string, error) {
	cmd := exec.Command("juicefs", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &execError{stderr: string(exitErr.Stderr)}
		}
		return "", err
	}
	return string(out), nil
}

type execError struct{ stderr string }

func (e *execError) Error() string { return e.stderr }

func joinCommaSpace(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
