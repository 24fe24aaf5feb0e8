package geoaccess

import (
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/access"
	"github.com/JustCasey76/aqm-security-sub000/pkg/botdetect"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitor"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitorlog"
)

// VisitorResponse is returned by the visitor endpoint
type VisitorResponse struct {
	Visitor  *visitor.Record `json:"visitor"`
	Decision access.Decision `json:"decision"`
}

// ValidateResponse is returned by the validate endpoint
type ValidateResponse struct {
	Bot      bool                         `json:"bot"`
	Exempt   bool                         `json:"exempt"`
	Errors   []*botdetect.ValidationError `json:"errors,omitempty"`
	Messages []string                     `json:"messages,omitempty"`
}

// LogsResponse is returned by the logs endpoint
type LogsResponse struct {
	Entries []visitorlog.Entry `json:"entries,omitempty"`
	Deleted int64              `json:"deleted,omitempty"`
}

func (p *GeoAccessPlugin) registerRoutes() error {
	prefix := p.config.RoutePrefix
	routes := []struct {
		pattern string
		handler http.HandlerFunc
		methods []string
	}{
		{prefix + "/visitor", p.handleVisitor, []string{http.MethodGet}},
		{prefix + "/form-fields", p.handleFormFields, []string{http.MethodGet}},
		{prefix + "/validate", p.handleValidate, []string{http.MethodPost}},
		{prefix + "/logs", p.handleLogs, []string{http.MethodGet, http.MethodDelete}},
	}
	for _, route := range routes {
		if err := p.host.RegisterHandler(route.pattern, route.handler, route.methods...); err != nil {
			return err
		}
	}
	return nil
}

func (p *GeoAccessPlugin) handleVisitor(w http.ResponseWriter, r *http.Request) {
	// Only admins may bypass the lookup cache
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	fresh = fresh && p.deps.IsAdmin(r)
	v, decision := p.decide(r, fresh)
	p.writeJSON(w, http.StatusOK, VisitorResponse{Visitor: v, Decision: decision})
}

func (p *GeoAccessPlugin) handleFormFields(w http.ResponseWriter, r *http.Request) {
	fields, err := p.detector.RenderFields(r.Context())
	if err != nil {
		p.logger.WithError(err).Error("Failed to render form fields")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	p.writeJSON(w, http.StatusOK, fields)
}

func (p *GeoAccessPlugin) handleValidate(w http.ResponseWriter, r *http.Request) {
	res, err := p.validate(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	resp := ValidateResponse{
		Bot:    res.IsBot(),
		Exempt: res.Exempt,
		Errors: res.Errors,
	}
	status := http.StatusOK
	if resp.Bot {
		resp.Messages = res.Messages()
		status = http.StatusUnprocessableEntity
	}
	p.writeJSON(w, status, resp)
}

func (p *GeoAccessPlugin) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !p.deps.IsAdmin(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if p.deps.VisitorLog == nil {
		http.Error(w, "Visitor log disabled", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodDelete {
		n, err := p.deps.VisitorLog.Clear(r.Context())
		if err != nil {
			p.logger.WithError(err).Error("Failed to clear visitor log")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		p.logger.WithField("deleted", n).Info("Visitor log cleared")
		p.writeJSON(w, http.StatusOK, LogsResponse{Deleted: n})
		return
	}

	limit := p.config.LogLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < limit {
		limit = n
	}
	entries, err := p.deps.VisitorLog.Recent(r.Context(), limit)
	if err != nil {
		p.logger.WithError(err).Error("Failed to read visitor log")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	p.writeJSON(w, http.StatusOK, LogsResponse{Entries: entries})
}

func (p *GeoAccessPlugin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.logger.WithFields(log.Fields{"status": status}).WithError(err).Debug("Failed to write response")
	}
}
