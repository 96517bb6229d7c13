package mirror

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type SignalKind string

// Signal kinds in resolution priority order.
const (
	SignalLink     SignalKind = "link"
	SignalExternal SignalKind = "external"
	SignalUsername SignalKind = "username"
	SignalPhone    SignalKind = "phone"
	SignalEmail    SignalKind = "email"
)

var signalPriority = []SignalKind{SignalLink, SignalExternal, SignalUsername, SignalPhone, SignalEmail}

// IdentityKey carries candidate matching signals. Any subset may be empty.
// External is "source/externalId".
type IdentityKey struct {
	Link     string `json:"link,omitempty"`
	External string `json:"external,omitempty"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (k IdentityKey) value(kind SignalKind) string {
	switch kind {
	case SignalLink:
		return strings.TrimSpace(k.Link)
	case SignalExternal:
		return strings.TrimSpace(k.External)
	case SignalUsername:
		return NormalizeUsername(k.Username)
	case SignalPhone:
		return NormalizePhone(k.Phone)
	case SignalEmail:
		return NormalizeEmail(k.Email)
	}
	return ""
}

func (k IdentityKey) Empty() bool {
	for _, kind := range signalPriority {
		if k.value(kind) != "" {
			return false
		}
	}
	return true
}

// IdentityLookup runs a single signal query. It returns ErrNotFound on a miss.
type IdentityLookup interface {
	LookupIdentity(ctx context.Context, kind SignalKind, value string) (LocalRecord, error)
}

type IdentityResolver struct {
	lookup IdentityLookup
}

func NewIdentityResolver(lookup IdentityLookup) *IdentityResolver {
	return &IdentityResolver{lookup: lookup}
}

// Resolve tries each present signal in priority order and stops at the first
// hit. A present link signal is authoritative: its miss ends resolution. A miss
// is reported as ok=false with a nil error.
func (r *IdentityResolver) Resolve(ctx context.Context, key IdentityKey) (LocalRecord, bool, error) {
	if r == nil || r.lookup == nil {
		return LocalRecord{}, false, nil
	}
	for _, kind := range signalPriority {
		value := key.value(kind)
		if value == "" {
			continue
		}
		record, err := r.lookup.LookupIdentity(ctx, kind, value)
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return LocalRecord{}, false, err
		}
		if kind == SignalLink {
			return LocalRecord{}, false, nil
		}
	}
	return LocalRecord{}, false, nil
}

func NormalizeUsername(raw string) string {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if raw == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(raw))
}

func NormalizeEmail(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(raw))
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range norm.NFKC.String(raw) {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// ExternalRef builds the external identity signal for a record of source.
func ExternalRef(source, externalID string) string {
	source = strings.TrimSpace(source)
	externalID = strings.TrimSpace(externalID)
	if source == "" || externalID == "" {
		return ""
	}
	return source + "/" + externalID
}

// ParseExternalRef splits a value built by ExternalRef.
func ParseExternalRef(ref string) (source, externalID string, ok bool) {
	source, externalID, ok = strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || source == "" || externalID == "" {
		return "", "", false
	}
	return source, externalID, true
}
