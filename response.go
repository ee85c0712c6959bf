package linkid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/linkgenetic/linkid-go/security"
)

// ResultKind distinguishes the two successful resolution outcomes.
type ResultKind int

const (
	// ResultRedirect means the resolver answered with a target location.
	ResultRedirect ResultKind = iota + 1
	// ResultMetadata means the resolver returned a full LinkRecord.
	ResultMetadata
)

func (k ResultKind) String() string {
	switch k {
	case ResultRedirect:
		return "redirect"
	case ResultMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ResolutionResult is the outcome of Resolve. Exactly one of the
// Redirect fields (TargetURI, Quality) or Record is set, according to Kind.
type ResolutionResult struct {
	Kind     ResultKind `json:"kind"`
	LinkID   string     `json:"linkId"`
	Resolver string     `json:"resolver"`
	Cached   bool       `json:"cached"`

	// Redirect
	TargetURI string   `json:"targetUri,omitempty"`
	Quality   *float64 `json:"quality,omitempty"`

	// Metadata
	Record *LinkRecord `json:"record,omitempty"`
}

// IsRedirect reports whether the result is a redirect.
func (r *ResolutionResult) IsRedirect() bool {
	return r.Kind == ResultRedirect
}

// IsMetadata reports whether the result carries a LinkRecord.
func (r *ResolutionResult) IsMetadata() bool {
	return r.Kind == ResultMetadata
}

// clone returns a deep copy, so a caller can never modify a cached value.
func (r *ResolutionResult) clone() *ResolutionResult {
	c := *r
	c.Quality = clonePtr(r.Quality)
	if r.Record != nil {
		c.Record = r.Record.clone()
	}
	return &c
}

// LinkStatus is the lifecycle state of a LinkID.
type LinkStatus string

const (
	StatusActive     LinkStatus = "active"
	StatusWithdrawn  LinkStatus = "withdrawn"
	StatusPending    LinkStatus = "pending"
	StatusSuperseded LinkStatus = "superseded"
)

// RecordStatus is the state of a single resolution record.
type RecordStatus string

const (
	RecordActive     RecordStatus = "active"
	RecordInactive   RecordStatus = "inactive"
	RecordDeprecated RecordStatus = "deprecated"
)

// LinkRecord is the metadata document returned for metadata resolution.
// Alternates, Policy and Signatures are passed through untouched.
type LinkRecord struct {
	ID         string             `json:"id"`
	Status     LinkStatus         `json:"status"`
	Created    string             `json:"created,omitempty"`
	Updated    string             `json:"updated,omitempty"`
	Issuer     string             `json:"issuer,omitempty"`
	Records    []ResolutionRecord `json:"records"`
	Alternates json.RawMessage    `json:"alternates,omitempty"`
	Policy     json.RawMessage    `json:"policy,omitempty"`
	Tombstone  *Tombstone         `json:"tombstone,omitempty"`
	Signatures json.RawMessage    `json:"signatures,omitempty"`
}

func (r *LinkRecord) clone() *LinkRecord {
	c := *r
	c.Alternates = bytes.Clone(r.Alternates)
	c.Policy = bytes.Clone(r.Policy)
	c.Signatures = bytes.Clone(r.Signatures)
	c.Tombstone = clonePtr(r.Tombstone)
	if r.Records != nil {
		c.Records = make([]ResolutionRecord, len(r.Records))
		for i, rec := range r.Records {
			rec.Quality = clonePtr(rec.Quality)
			rec.Size = clonePtr(rec.Size)
			rec.Metadata = bytes.Clone(rec.Metadata)
			c.Records[i] = rec
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ActiveRecords returns the records whose status is active or unset.
func (r *LinkRecord) ActiveRecords() []ResolutionRecord {
	var out []ResolutionRecord
	for _, rec := range r.Records {
		if rec.Status == "" || rec.Status == RecordActive {
			out = append(out, rec)
		}
	}
	return out
}

// ResolutionRecord is one dereferenceable target within a LinkRecord.
type ResolutionRecord struct {
	URI          string          `json:"uri"`
	Status       RecordStatus    `json:"status,omitempty"`
	MediaType    string          `json:"mediaType,omitempty"`
	Language     string          `json:"language,omitempty"`
	Quality      *float64        `json:"quality,omitempty"`
	ValidFrom    string          `json:"validFrom,omitempty"`
	ValidUntil   string          `json:"validUntil,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	Size         *int64          `json:"size,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// VerifyChecksum checks content against the record's "<alg>:<hex>" checksum.
// A record without a checksum verifies trivially.
func (r *ResolutionRecord) VerifyChecksum(content []byte) error {
	if r.Checksum == "" {
		return nil
	}
	sum, err := security.ParseChecksum(r.Checksum)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChecksumFormat, err)
	}
	return sum.Verify(content)
}

// Tombstone explains why an identifier no longer resolves.
type Tombstone struct {
	Reason              string `json:"reason,omitempty"`
	WithdrawnAt         string `json:"withdrawnAt,omitempty"`
	Contact             string `json:"contact,omitempty"`
	AlternativeLocation string `json:"alternativeLocation,omitempty"`
	SupersededBy        string `json:"supersededBy,omitempty"`
}

// Registration is the resolver's answer to a successful Register call.
type Registration struct {
	ID        string          `json:"id,omitempty"`
	LinkID    string          `json:"linkId,omitempty"`
	TargetURI string          `json:"targetUri,omitempty"`
	Created   string          `json:"created,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Identifier returns the identifier assigned by the resolver.
func (r *Registration) Identifier() string {
	if r.LinkID != "" {
		return r.LinkID
	}
	return r.ID
}

// RegisterRequest is the payload for Register.
type RegisterRequest struct {
	TargetURI string         `json:"targetUri"`
	MediaType string         `json:"mediaType,omitempty"`
	Language  string         `json:"language,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest is the payload for Update. Zero fields are omitted.
type UpdateRequest struct {
	TargetURI string             `json:"targetUri,omitempty"`
	MediaType string             `json:"mediaType,omitempty"`
	Language  string             `json:"language,omitempty"`
	Records   []ResolutionRecord `json:"records,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Policy    json.RawMessage    `json:"policy,omitempty"`
}

// WithdrawRequest is the payload for Withdraw. Zero fields are omitted.
type WithdrawRequest struct {
	Reason              string     `json:"reason,omitempty"`
	Contact             string     `json:"contact,omitempty"`
	AlternativeLocation string     `json:"alternativeLocation,omitempty"`
	Tombstone           *Tombstone `json:"tombstone,omitempty"`
}

func (w WithdrawRequest) isZero() bool {
	return w.Reason == "" && w.Contact == "" && w.AlternativeLocation == "" && w.Tombstone == nil
}

// parseQuality returns the X-LinkID-Quality value, or nil unless it is a
// number within [0, 1].
func parseQuality(v string) *float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	q, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(q) || q < 0 || q > 1 {
		return nil
	}
	return &q
}

// parseCacheControl extracts the cache lifetime from a Cache-Control header.
// store is false for no-store and max-age=0. ttl is 0 when max-age is absent.
func parseCacheControl(v string) (ttl time.Duration, store bool) {
	store = true
	for _, directive := range strings.Split(v, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(directive, "max-age="), `"`))
			if err != nil {
				continue
			}
			if secs <= 0 {
				return 0, false
			}
			ttl = time.Duration(secs) * time.Second
		}
	}
	return ttl, store
}
