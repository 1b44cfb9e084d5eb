package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type CostPreference string

const (
	CostLow  CostPreference = "low"
	CostHigh CostPreference = "high"
)

type AudienceLevel string

const (
	AudienceBeginner     AudienceLevel = "beginner"
	AudienceIntermediate AudienceLevel = "intermediate"
	AudienceExpert       AudienceLevel = "expert"
)

type OutputFormat string

const (
	FormatReport       OutputFormat = "report"
	FormatBriefing     OutputFormat = "briefing"
	FormatBulletPoints OutputFormat = "bullet_points"
)

type ImageAttachment struct {
	URL    string `json:"url" validate:"required"`
	Detail string `json:"detail,omitempty" validate:"omitempty,oneof=low high auto"`
}

type TextDocument struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type StructuredAttachment struct {
	Name    string `json:"name" validate:"required"`
	Type    string `json:"type" validate:"required,oneof=csv json"`
	Content string `json:"content" validate:"required"`
}

// ResearchParams are the normalized arguments of a research job. The
// normalizer fills defaults before a job is created, so zero values here
// never reach the orchestrator.
type ResearchParams struct {
	Query          string                 `json:"query" validate:"required,min=3"`
	CostPreference CostPreference         `json:"costPreference" validate:"required,oneof=low high"`
	AudienceLevel  AudienceLevel          `json:"audienceLevel" validate:"required,oneof=beginner intermediate expert"`
	OutputFormat   OutputFormat           `json:"outputFormat" validate:"required,oneof=report briefing bullet_points"`
	IncludeSources bool                   `json:"includeSources"`
	MaxLength      int                    `json:"maxLength,omitempty" validate:"omitempty,min=100,max=100000"`
	Images         []ImageAttachment      `json:"images,omitempty" validate:"omitempty,max=8,dive"`
	TextDocuments  []TextDocument         `json:"textDocuments,omitempty" validate:"omitempty,max=16,dive"`
	StructuredData []StructuredAttachment `json:"structuredData,omitempty" validate:"omitempty,max=16,dive"`
}

// Normalize trims the query and fills enum defaults.
func (p *ResearchParams) Normalize() {
	p.Query = strings.TrimSpace(p.Query)
	if p.CostPreference == "" {
		p.CostPreference = CostLow
	}
	if p.AudienceLevel == "" {
		p.AudienceLevel = AudienceIntermediate
	}
	if p.OutputFormat == "" {
		p.OutputFormat = FormatReport
	}
}

// Fingerprint is the stable content hash used as the semantic-cache key and
// as the derived idempotency key. Attachment contents enter as hashes, and
// request-control fields (idempotencyKey, forceNew, transport metadata) are
// excluded so equal research intents collide.
func (p ResearchParams) Fingerprint() string {
	m := map[string]any{
		"query":          p.Query,
		"costPreference": string(p.CostPreference),
		"audienceLevel":  string(p.AudienceLevel),
		"outputFormat":   string(p.OutputFormat),
		"includeSources": p.IncludeSources,
	}
	if p.MaxLength > 0 {
		m["maxLength"] = p.MaxLength
	}
	if len(p.Images) > 0 {
		hs := make([]string, 0, len(p.Images))
		for _, im := range p.Images {
			hs = append(hs, hashContent(im.URL+"\x00"+im.Detail))
		}
		m["images"] = hs
	}
	if len(p.TextDocuments) > 0 {
		hs := make([]string, 0, len(p.TextDocuments))
		for _, d := range p.TextDocuments {
			hs = append(hs, hashContent(d.Name+"\x00"+d.Content))
		}
		m["textDocuments"] = hs
	}
	if len(p.StructuredData) > 0 {
		hs := make([]string, 0, len(p.StructuredData))
		for _, d := range p.StructuredData {
			hs = append(hs, hashContent(d.Name+"\x00"+d.Type+"\x00"+d.Content))
		}
		m["structuredData"] = hs
	}
	sum := sha256.Sum256(canonicalJSON(m))
	return hex.EncodeToString(sum[:])
}

func hashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders a value with object keys sorted at every level so
// the same logical document always hashes identically.
func canonicalJSON(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, _ := json.Marshal(e)
			b.Write(eb)
		}
		b.WriteByte(']')
	default:
		eb, _ := json.Marshal(t)
		b.Write(eb)
	}
}

var idemKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateIdempotencyKey enforces the client key charset [A-Za-z0-9_-] and
// the 64-character cap. Keys are rejected, never silently rewritten.
func ValidateIdempotencyKey(key string) (string, error) {
	if !idemKeyRe.MatchString(key) {
		return "", fmt.Errorf("op=domain.idempotency_key: key must match [A-Za-z0-9_-]{1,64}: %w", ErrInvalidArgument)
	}
	return key, nil
}
