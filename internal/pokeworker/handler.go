package pokeworker

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	outcomeHeader  = "X-Pokeworker"
	maxMessageSize = 64 << 10
)

// Status is the body of GET /_worker/status.
type Status struct {
	State       State    `json:"state"`
	Generation  string   `json:"generation"`
	Generations []string `json:"generations"`
}

type handlers struct {
	w      *Worker
	origin string
}

// NewHandler exposes the worker over HTTP:
//
//	POST /_worker/messages   message channel
//	GET  /_worker/status     lifecycle state and generations
//	*    /_worker/fetch?url= intercept an absolute URL
//	*    /...                intercept origin paths and absolute-form proxy requests
func NewHandler(w *Worker, origin string) http.Handler {
	h := &handlers{w: w, origin: strings.TrimRight(origin, "/")}

	r := mux.NewRouter()
	r.HandleFunc("/_worker/messages", h.Message).Methods(http.MethodPost)
	r.HandleFunc("/_worker/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/_worker/fetch", h.FetchURL)
	r.PathPrefix("/").HandlerFunc(h.Fetch)
	return r
}

func (h *handlers) Message(res http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxMessageSize))
	if err != nil {
		http.Error(res, "failed to read message", http.StatusBadRequest)
		return
	}
	result, err := h.w.Message(req.Context(), body)
	code := http.StatusAccepted
	if errors.Cause(err) == ErrNotificationsUnavailable {
		code = http.StatusServiceUnavailable
	} else if err != nil {
		code = http.StatusInternalServerError
	}
	writeJSON(res, code, map[string]RelayResult{"result": result})
}

func (h *handlers) Status(res http.ResponseWriter, req *http.Request) {
	state, err := h.w.State()
	if err != nil {
		log.WithError(err).Error("failed to read worker state")
		http.Error(res, "failed to read worker state", http.StatusInternalServerError)
		return
	}
	names, err := h.w.storage.Keys()
	if err != nil {
		log.WithError(err).Error("failed to list cache generations")
		http.Error(res, "failed to list cache generations", http.StatusInternalServerError)
		return
	}
	writeJSON(res, http.StatusOK, Status{
		State:       state,
		Generation:  h.w.Generation(),
		Generations: names,
	})
}

func (h *handlers) FetchURL(res http.ResponseWriter, req *http.Request) {
	target := req.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(res, "url must be an absolute http(s) URL", http.StatusBadRequest)
		return
	}
	h.serve(res, req, u.String())
}

func (h *handlers) Fetch(res http.ResponseWriter, req *http.Request) {
	target := h.origin + req.URL.RequestURI()
	if req.URL.IsAbs() {
		target = req.URL.String()
	}
	h.serve(res, req, target)
}

func (h *handlers) serve(res http.ResponseWriter, req *http.Request, target string) {
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		http.Error(res, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(out.Header, req.Header)

	resp, outcome, err := h.w.Fetch(out)
	if err != nil {
		setOutcomeHeaders(res.Header(), outcome)
		if errors.Cause(err) == ErrEntryNotFound {
			http.Error(res, "offline and not cached", http.StatusGatewayTimeout)
			return
		}
		http.Error(res, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	writeResponse(res, resp, outcome)
}

func writeResponse(res http.ResponseWriter, resp *http.Response, outcome Outcome) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			res.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(res.Header(), outcome)
	res.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(res, resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set(outcomeHeader, string(outcome))
	}
	// Custom headers are only readable from a CORS context when exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(res http.ResponseWriter, code int, v any) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(code)
	if err := json.NewEncoder(res).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}
