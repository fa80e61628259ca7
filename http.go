package scout

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/scout/dispatch"
	"github.com/hazyhaar/scout/message"
	"github.com/hazyhaar/scout/settings"
	"github.com/hazyhaar/scout/shield"
)

// HTTPOptions configures the API handler.
type HTTPOptions struct {
	// BasicAuthUser enables basic auth on /v1 and MCP routes. BasicAuthHash
	// is the bcrypt hash of the password.
	BasicAuthUser string
	BasicAuthHash string

	// RateLimit caps model-spending requests per RateWindow and client. 0 = off.
	RateLimit  int
	RateWindow time.Duration

	MaxBody int64

	// MCP is mounted at MCPPath when both are set.
	MCPPath string
	MCP     http.Handler
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type targetRequest struct {
	Target dispatch.Target `json:"target"`
}

type helloRequest struct {
	Target dispatch.Target `json:"target"`
	Action string          `json:"action"`
}

type settingsView struct {
	APIKey          string `json:"apiKey"`
	APIKeySet       bool   `json:"apiKeySet"`
	APIEndpoint     string `json:"apiEndpoint"`
	DefaultLanguage string `json:"defaultLanguage"`
	Model           string `json:"modelType"`
}

func viewOf(s settings.Settings) settingsView {
	return settingsView{
		APIKey:          maskKey(s.APIKey),
		APIKeySet:       s.APIKey != "",
		APIEndpoint:     s.APIEndpoint,
		DefaultLanguage: s.DefaultLanguage,
		Model:           s.Model,
	}
}

// maskKey keeps enough of a key to recognise it.
func maskKey(k string) string {
	switch {
	case k == "":
		return ""
	case len(k) <= 8:
		return "***"
	}
	return k[:3] + "***" + k[len(k)-4:]
}

// Handler returns the HTTP API.
func (s *Service) Handler(opts HTTPOptions) http.Handler {
	if opts.MaxBody <= 0 {
		opts.MaxBody = 16 << 20
	}

	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	r.Use(shield.TraceID)
	r.Use(shield.MaxBody(opts.MaxBody))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limiter := shield.NewRateLimiter(opts.RateLimit, opts.RateWindow)

	r.Group(func(r chi.Router) {
		if opts.BasicAuthUser != "" {
			r.Use(basicAuth(opts.BasicAuthUser, opts.BasicAuthHash))
		}

		r.Post("/v1/hello", s.handleHello)
		r.Post("/v1/menu/{item}", s.handleMenu)
		r.Post("/v1/capture", s.handleCapture)
		r.Get("/v1/targets", s.handleTargets)
		r.Delete("/v1/targets/{id}", s.handleDetach)

		r.With(limiter.Middleware).Post("/v1/process", s.handleProcess)
		r.With(limiter.Middleware).Post("/v1/extract", s.handleExtract)

		r.Route("/v1/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handlePutSettings)
			r.Delete("/", s.handleResetSettings)
			r.With(limiter.Middleware).Post("/test", s.handleTestSettings)
		})

		if opts.MCPPath != "" && opts.MCP != nil {
			r.Handle(opts.MCPPath, opts.MCP)
		}
	})
	return r
}

func (s *Service) handleHello(w http.ResponseWriter, r *http.Request) {
	var req helloRequest
	if !decode(w, r, &req) {
		return
	}
	ack, err := s.Hello(r.Context(), req.Target, message.Hello{Action: req.Action, URL: req.Target.URL})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Service) handleMenu(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Menu(r.Context(), chi.URLParam(r, "item"), req.Target)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res})
}

func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Capture(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res})
}

func (s *Service) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string][]string{"agents": s.Agents()}})
}

func (s *Service) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.Detach(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req message.ProcessRequest
	if !decode(w, r, &req) {
		return
	}
	resp := s.Process(r.Context(), req)
	code := http.StatusOK
	if !resp.Success {
		code = httpStatus(resp.Kind)
		shield.GetLogger(r.Context()).Warn("scout: process failed", "kind", resp.Kind, "error", resp.Error)
	}
	writeJSON(w, code, resp)
}

func (s *Service) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Extract(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.Settings(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: viewOf(cur)})
}

func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var u SettingsUpdate
	if !decode(w, r, &u) {
		return
	}
	saved, err := s.UpdateSettings(r.Context(), u)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: viewOf(saved)})
}

func (s *Service) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	d, err := s.ResetSettings(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: viewOf(d)})
}

func (s *Service) handleTestSettings(w http.ResponseWriter, r *http.Request) {
	var u SettingsUpdate
	if r.ContentLength != 0 && !decode(w, r, &u) {
		return
	}
	reply, err := s.TestSettings(r.Context(), u)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"reply": reply}})
}

func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="scout"`)
				writeJSON(w, http.StatusUnauthorized, envelope{Error: "unauthorized", Kind: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, r, badRequestf("decode body: %v", err))
		return false
	}
	return true
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := Kind(err)
	code := httpStatus(kind)
	log := shield.GetLogger(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("scout: request failed", "kind", kind, "error", err)
	} else {
		log.Warn("scout: request rejected", "kind", kind, "error", err)
	}
	writeJSON(w, code, envelope{Error: UserMessage(err), Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
