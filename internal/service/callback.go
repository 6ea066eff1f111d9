package service

import (
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// CallbackPath is the redirect URL registered with the aggregator.
const CallbackPath = "/truelayer/callback"

// CallbackHandler completes the consent redirect in the browser and sends the
// user back to the frontend with the outcome in the query string.
type CallbackHandler struct {
	sync        *Orchestrator
	frontendURL string
	logger      *zap.Logger
}

// NewCallbackHandler creates the consent redirect handler. An empty frontendURL
// renders the outcome as plain text instead of redirecting.
func NewCallbackHandler(sync *Orchestrator, frontendURL string, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		sync:        sync,
		frontendURL: frontendURL,
		logger:      logger.Named("callback"),
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	// The aggregator reports a declined consent with an error parameter.
	if denied := query.Get("error"); denied != "" {
		h.logger.Info("consent not granted", zap.String("error", denied))
		h.redirect(w, r, url.Values{
			"status":  {"error"},
			"message": {"bank connection was cancelled"},
		})
		return
	}

	result, err := h.sync.HandleCallback(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		h.redirect(w, r, url.Values{
			"status":  {"error"},
			"message": {UserMessage(err)},
		})
		return
	}

	params := url.Values{"status": {"success"}}
	if result.AlreadyProcessed {
		params.Set("message", result.Message)
		params.Set("already_processed", "true")
	} else {
		params.Set("accounts", strconv.Itoa(len(result.Accounts)))
		if len(result.Failures) > 0 {
			params.Set("failures", strconv.Itoa(len(result.Failures)))
		}
	}
	h.redirect(w, r, params)
}

func (h *CallbackHandler) redirect(w http.ResponseWriter, r *http.Request, params url.Values) {
	target, err := url.Parse(h.frontendURL)
	if err != nil || h.frontendURL == "" {
		// Without a frontend the outcome is rendered as plain text.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if params.Get("status") != "success" {
			w.WriteHeader(http.StatusBadRequest)
		}
		_, _ = w.Write([]byte(params.Encode()))
		return
	}
	q := target.Query()
	for k, v := range params {
		q[k] = v
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
