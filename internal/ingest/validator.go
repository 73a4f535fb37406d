package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// Payload limits. Tracking values are the utm_*/source/via/ref family.
const (
	MaxPayloadBytes   = 32 * 1024
	MaxBackfillMs     = 24 * 60 * 60 * 1000
	MaxClientSkewMs   = 5 * 60 * 1000
	maxMetadataKeys   = 12
	maxMetadataKeyLen = 64
	maxMetadataValLen = 255
)

// allowedKeys is the fixed set of recognized top-level payload keys. Any
// other key rejects the whole request.
var allowedKeys = map[string]struct{}{
	"v": {}, "type": {}, "name": {}, "websiteId": {}, "domain": {}, "path": {},
	"referrer": {}, "ts": {}, "timestamp": {}, "visitorId": {}, "session_id": {},
	"sessionId": {}, "eventId": {}, "bot": {}, "metadata": {}, "utm_source": {},
	"utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"source": {}, "via": {}, "ref": {},
}

var metadataKeyRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Payload is the decoded ingest body after the allowlist pass.
type Payload struct {
	V           json.RawMessage `json:"v"`
	Type        string          `json:"type" validate:"required"`
	Name        string          `json:"name" validate:"omitempty,max=255"`
	WebsiteID   string          `json:"websiteId" validate:"omitempty,min=1,max=128"`
	Domain      string          `json:"domain" validate:"omitempty,max=255"`
	Path        string          `json:"path" validate:"omitempty,min=1,max=1024"`
	Referrer    string          `json:"referrer" validate:"omitempty,max=2048"`
	TS          *FlexInt64      `json:"ts"`
	Timestamp   *FlexInt64      `json:"timestamp"`
	VisitorID   string          `json:"visitorId" validate:"omitempty,min=1,max=128"`
	SessionIDA  string          `json:"sessionId" validate:"omitempty,min=1,max=128"`
	SessionIDB  string          `json:"session_id" validate:"omitempty,min=1,max=128"`
	EventID     string          `json:"eventId" validate:"omitempty,min=1,max=128"`
	Bot         bool            `json:"bot"`
	Metadata    map[string]any  `json:"metadata"`
	UTMSource   string          `json:"utm_source" validate:"omitempty,max=255"`
	UTMMedium   string          `json:"utm_medium" validate:"omitempty,max=255"`
	UTMCampaign string          `json:"utm_campaign" validate:"omitempty,max=255"`
	UTMTerm     string          `json:"utm_term" validate:"omitempty,max=255"`
	UTMContent  string          `json:"utm_content" validate:"omitempty,max=255"`
	Source      string          `json:"source" validate:"omitempty,max=255"`
	Via         string          `json:"via" validate:"omitempty,max=255"`
	Ref         string          `json:"ref" validate:"omitempty,max=255"`
}

// SessionID returns the agreed session id (sessionId and session_id must
// match when both are present; Validate enforces that).
func (p *Payload) SessionID() string {
	if p.SessionIDA != "" {
		return p.SessionIDA
	}
	return p.SessionIDB
}

// ClientTimestamp returns the client-supplied timestamp in epoch ms, or ok
// false when the payload carried none.
func (p *Payload) ClientTimestamp() (int64, bool) {
	if p.TS != nil {
		return int64(*p.TS), true
	}
	if p.Timestamp != nil {
		return int64(*p.Timestamp), true
	}
	return 0, false
}

// FlexInt64 decodes a JSON number or a numeric string.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		// Accept fractional epoch values from misbehaving clients.
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		n = int64(fv)
	}
	*f = FlexInt64(n)
	return nil
}

// RequestMeta carries the request-scoped inputs validation needs beyond the
// body itself.
type RequestMeta struct {
	Origin    string
	Referer   string
	UserAgent string
	// ServerKey is true when the request carried the configured
	// x-ingest-server-key header or secret query parameter.
	ServerKey bool
	// SiteDomain is the tenant's configured domain for origin enforcement.
	SiteDomain string
}

// Reject describes a terminal validation failure.
type Reject struct {
	Status int
	Code   string
	Reason string
}

func (r *Reject) Error() string { return fmt.Sprintf("%s: %s", r.Code, r.Reason) }

func reject(status int, code, reason string) *Reject {
	return &Reject{Status: status, Code: code, Reason: reason}
}

// Accepted is a validated payload plus validation byproducts.
type Accepted struct {
	Payload *Payload
	// Bot is set by the UA heuristic or by an authenticated bot:true flag.
	Bot bool
}

// Validator implements the strict-allowlist payload validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds a validator with the struct bounds registered.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate decodes and checks an ingest body. A nil Reject means accepted.
func (v *Validator) Validate(body []byte, meta RequestMeta) (*Accepted, *Reject) {
	if len(body) > MaxPayloadBytes {
		return nil, reject(http.StatusRequestEntityTooLarge, "payload_too_large",
			fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_json", "body must be a JSON object")
	}
	for k := range raw {
		if _, ok := allowedKeys[k]; !ok {
			return nil, reject(http.StatusBadRequest, "unknown_field", fmt.Sprintf("unknown field %q", k))
		}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_payload", err.Error())
	}
	trimFields(&p)

	if !domain.ValidEventType(p.Type) {
		return nil, reject(http.StatusBadRequest, "invalid_type", fmt.Sprintf("unsupported event type %q", p.Type))
	}
	if err := v.validate.Struct(&p); err != nil {
		if ferrs, ok := err.(validator.ValidationErrors); ok && len(ferrs) > 0 {
			fe := ferrs[0]
			return nil, reject(http.StatusBadRequest, "invalid_field",
				fmt.Sprintf("%s fails %s constraint", jsonFieldName(fe.Field()), fe.Tag()))
		}
		return nil, reject(http.StatusBadRequest, "invalid_payload", err.Error())
	}

	if p.SessionIDA != "" && p.SessionIDB != "" && p.SessionIDA != p.SessionIDB {
		return nil, reject(http.StatusBadRequest, "session_mismatch", "sessionId and session_id differ")
	}

	meta.SiteDomain = strings.ToLower(strings.TrimSpace(meta.SiteDomain))
	if !meta.ServerKey {
		if p.Bot {
			return nil, reject(http.StatusBadRequest, "bot_flag_forbidden",
				"bot flag requires the server key")
		}
		if !originAllowed(meta) {
			return nil, reject(http.StatusBadRequest, "origin_mismatch",
				"origin does not match site domain")
		}
	}

	md, rej := sanitizeMetadata(p.Metadata)
	if rej != nil {
		return nil, rej
	}
	p.Metadata = md

	switch p.Type {
	case "goal":
		if p.Name == "" {
			return nil, reject(http.StatusBadRequest, "missing_name", "goal events require a name")
		}
	case "identify":
		uid, _ := p.Metadata["user_id"].(string)
		if strings.TrimSpace(uid) == "" {
			return nil, reject(http.StatusBadRequest, "missing_user_id",
				"identify events require metadata.user_id")
		}
	}

	return &Accepted{Payload: &p, Bot: p.Bot || IsBotUserAgent(meta.UserAgent)}, nil
}

func trimFields(p *Payload) {
	p.Type = strings.TrimSpace(p.Type)
	p.Name = strings.TrimSpace(p.Name)
	p.WebsiteID = strings.TrimSpace(p.WebsiteID)
	p.Domain = strings.TrimSpace(p.Domain)
	p.Referrer = strings.TrimSpace(p.Referrer)
	p.VisitorID = strings.TrimSpace(p.VisitorID)
	p.SessionIDA = strings.TrimSpace(p.SessionIDA)
	p.SessionIDB = strings.TrimSpace(p.SessionIDB)
	p.EventID = strings.TrimSpace(p.EventID)
	p.UTMSource = strings.TrimSpace(p.UTMSource)
	p.UTMMedium = strings.TrimSpace(p.UTMMedium)
	p.UTMCampaign = strings.TrimSpace(p.UTMCampaign)
	p.UTMTerm = strings.TrimSpace(p.UTMTerm)
	p.UTMContent = strings.TrimSpace(p.UTMContent)
	p.Source = strings.TrimSpace(p.Source)
	p.Via = strings.TrimSpace(p.Via)
	p.Ref = strings.TrimSpace(p.Ref)
}

// jsonFieldName maps a struct field name back to its payload key for error
// messages.
func jsonFieldName(field string) string {
	switch field {
	case "SessionIDA":
		return "sessionId"
	case "SessionIDB":
		return "session_id"
	case "WebsiteID":
		return "websiteId"
	case "VisitorID":
		return "visitorId"
	case "EventID":
		return "eventId"
	case "UTMSource":
		return "utm_source"
	case "UTMMedium":
		return "utm_medium"
	case "UTMCampaign":
		return "utm_campaign"
	case "UTMTerm":
		return "utm_term"
	case "UTMContent":
		return "utm_content"
	}
	return strings.ToLower(field)
}

// originAllowed checks that Origin or Referer resolves to the site's domain
// or a subdomain of it.
func originAllowed(meta RequestMeta) bool {
	if meta.SiteDomain == "" {
		return false
	}
	for _, candidate := range []string{meta.Origin, meta.Referer} {
		if candidate == "" {
			continue
		}
		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if host == meta.SiteDomain || strings.HasSuffix(host, "."+meta.SiteDomain) {
			return true
		}
	}
	return false
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// sanitizeMetadata enforces the bounded heterogeneous map contract: at most
// 12 lowercased keys matching ^[a-z0-9_-]+$, values limited to string
// (HTML-stripped, whitespace-collapsed, <=255 chars), number, bool, or null.
// Empty-string values are dropped.
func sanitizeMetadata(in map[string]any) (map[string]any, *Reject) {
	if in == nil {
		return nil, nil
	}
	if len(in) > maxMetadataKeys {
		return nil, reject(http.StatusBadRequest, "metadata_too_large",
			fmt.Sprintf("metadata exceeds %d keys", maxMetadataKeys))
	}
	out := make(map[string]any, len(in))
	for k, val := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || len(key) > maxMetadataKeyLen || !metadataKeyRe.MatchString(key) {
			return nil, reject(http.StatusBadRequest, "invalid_metadata_key",
				fmt.Sprintf("invalid metadata key %q", k))
		}
		switch tv := val.(type) {
		case string:
			s := htmlTagRe.ReplaceAllString(tv, "")
			s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
			if s == "" {
				continue
			}
			out[key] = clamp(s, maxMetadataValLen)
		case float64, bool, nil:
			out[key] = tv
		case json.Number:
			out[key] = tv
		default:
			return nil, reject(http.StatusBadRequest, "invalid_metadata_value",
				fmt.Sprintf("metadata value for %q must be string, number, boolean, or null", key))
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
