// Package botdetect validates form submissions with a honeypot field, a
// submit-timing trap, a one-time script token and an optional decoy field.
package botdetect

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/rules"
)

// Hidden field names shared with the form rendering layer
const (
	HoneypotField = "aqm_website"
	TimeField     = "aqm_form_time"
	TokenField    = "aqm_js_token"
	DecoyField    = "aqm_confirm_email"
)

// Check names
const (
	CheckHoneypot = "honeypot"
	CheckTimeTrap = "time_trap"
	CheckJSToken  = "js_token"
	CheckDecoy    = "decoy"
	CheckBlocked  = "blocked"
)

// Error codes
const (
	CodeHoneypot     = "honeypot"
	CodeTimeInvalid  = "time_invalid"
	CodeTooFast      = "too_fast"
	CodeTokenMissing = "token_missing"
	CodeTokenInvalid = "token_invalid"
	CodeDecoy        = "decoy"
	CodeBlocked      = "blocked"
)

// MaxFormAge bounds how old a rendered form may be
const MaxFormAge = time.Hour

// ValidationError is one failed check
type ValidationError struct {
	Check   string `json:"check"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Submission is the part of a form post the checks look at
type Submission struct {
	Fields  map[string]string
	IP      string
	IsAdmin bool
	IsAJAX  bool
}

// MaxMultipartMemory bounds the in-memory part of a multipart submission.
// Larger file parts spill to temporary files.
const MaxMultipartMemory = 8 << 20

// FromRequest collects the first value of every posted field. Both
// urlencoded and multipart bodies are read.
func FromRequest(r *http.Request, ip string) (Submission, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxMultipartMemory); err != nil {
			return Submission{}, fmt.Errorf("failed to parse multipart form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return Submission{}, fmt.Errorf("failed to parse form: %w", err)
	}

	fields := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	if r.MultipartForm != nil {
		for k, v := range r.MultipartForm.Value {
			if _, ok := fields[k]; !ok && len(v) > 0 {
				fields[k] = v[0]
			}
		}
	}
	return Submission{Fields: fields, IP: ip}, nil
}

// Result collects the failed checks of one submission
type Result struct {
	Exempt bool               `json:"exempt"`
	Errors []*ValidationError `json:"errors"`
}

// IsBot reports whether any check failed
func (r Result) IsBot() bool {
	return len(r.Errors) > 0
}

// Messages returns the user-facing messages in check order
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// Detector runs the enabled checks against submissions
type Detector struct {
	store   options.Store
	tokens  *Tokens
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDetector creates a detector. store supplies the per-check enable flags,
// the minimum form time and the auto-block policy.
func NewDetector(store options.Store, tokens *Tokens, logger *logrus.Logger, m *metrics.Metrics) *Detector {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Detector{
		store:   store,
		tokens:  tokens,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Validate runs every enabled check. Admin and internal AJAX submissions are
// exempt.
func (d *Detector) Validate(ctx context.Context, s Submission) Result {
	if s.IsAdmin || s.IsAJAX {
		return Result{Exempt: true}
	}

	settings, err := options.Load(ctx, d.store)
	if err != nil {
		d.logger.WithError(err).Warn("Validating submission with default settings")
	}

	var res Result
	fail := func(check, code, msg string) {
		res.Errors = append(res.Errors, &ValidationError{Check: check, Code: code, Message: msg})
		d.metrics.BotCheckFailed(code)
	}

	if settings.EnableHoneypot && s.Fields[HoneypotField] != "" {
		fail(CheckHoneypot, CodeHoneypot, "Your submission could not be accepted.")
	}

	if settings.EnableTimeTrap {
		if code := d.checkTime(s.Fields[TimeField], settings.MinFormTime); code != "" {
			if code == CodeTooFast {
				fail(CheckTimeTrap, code, "The form was submitted too quickly. Please try again.")
			} else {
				fail(CheckTimeTrap, code, "The form has expired or is invalid. Please reload the page and try again.")
			}
		}
	}

	if settings.EnableJSValidation {
		token := strings.TrimSpace(s.Fields[TokenField])
		if token == "" {
			fail(CheckJSToken, CodeTokenMissing, "JavaScript must be enabled to submit this form.")
		} else if ok, err := d.verifyToken(ctx, token); !ok {
			if err != nil {
				d.logger.WithError(err).Warn("Script token lookup failed")
			}
			fail(CheckJSToken, CodeTokenInvalid, "The form security token is invalid or has already been used.")
		}
	}

	if settings.EnableDecoyField && s.Fields[DecoyField] != "" {
		fail(CheckDecoy, CodeDecoy, "Your submission could not be accepted.")
	}

	if !res.IsBot() {
		return res
	}

	fail(CheckBlocked, CodeBlocked, "Your submission has been blocked.")
	d.logger.WithFields(logrus.Fields{
		"ip":     s.IP,
		"checks": len(res.Errors) - 1,
	}).Info("Bot submission detected")

	if settings.AutoBlockBots {
		d.autoBlock(ctx, s.IP)
	}
	return res
}

// checkTime returns the failing code for a rendered-at value, or ""
func (d *Detector) checkTime(raw string, minSeconds int) string {
	rendered, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return CodeTimeInvalid
	}
	now := d.now().Unix()
	elapsed := now - rendered
	if elapsed < 0 || elapsed > int64(MaxFormAge/time.Second) {
		return CodeTimeInvalid
	}
	if elapsed < int64(minSeconds) {
		return CodeTooFast
	}
	return ""
}

func (d *Detector) verifyToken(ctx context.Context, token string) (bool, error) {
	if d.tokens == nil {
		return false, nil
	}
	return d.tokens.Verify(ctx, token)
}

// autoBlock appends ip to the block list. Failures are logged only.
func (d *Detector) autoBlock(ctx context.Context, ip string) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	logger := d.logger.WithField("ip", ip)

	raw, err := options.GetString(ctx, d.store, options.KeyBlockedIPs, "")
	if err != nil {
		logger.WithError(err).Error("Failed to read block list for auto-block")
		return
	}
	updated, changed := rules.AppendIP(raw, ip)
	if !changed {
		return
	}
	if err := d.store.Set(ctx, options.KeyBlockedIPs, updated); err != nil {
		logger.WithError(err).Error("Failed to auto-block bot IP")
		return
	}
	d.metrics.AutoBlock()
	logger.Warn("Auto-blocked bot IP")
}

// RenderFields returns the hidden field values a form must carry. The token
// is issued only when script validation is enabled.
func (d *Detector) RenderFields(ctx context.Context) (map[string]string, error) {
	settings, err := options.Load(ctx, d.store)
	if err != nil {
		d.logger.WithError(err).Warn("Rendering form fields with default settings")
	}

	fields := make(map[string]string, 4)
	if settings.EnableHoneypot {
		fields[HoneypotField] = ""
	}
	if settings.EnableTimeTrap {
		fields[TimeField] = strconv.FormatInt(d.now().Unix(), 10)
	}
	if settings.EnableJSValidation && d.tokens != nil {
		token, err := d.tokens.Issue(ctx)
		if err != nil {
			return nil, err
		}
		fields[TokenField] = token
	}
	if settings.EnableDecoyField {
		fields[DecoyField] = ""
	}
	return fields, nil
}
