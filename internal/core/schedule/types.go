package schedule

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// Kind classifies what sort of page a SourceTarget points at.
type Kind string

const (
	KindDirectory     Kind = "directory"
	KindSocialProfile Kind = "social-profile"
	KindSocialGroup   Kind = "social-group"
	KindSocialEvent   Kind = "social-event"
	KindSingleImage   Kind = "single-image"
	KindGenericPage   Kind = "generic-page"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDirectory, KindSocialProfile, KindSocialGroup, KindSocialEvent, KindSingleImage, KindGenericPage:
		return true
	}
	return false
}

// Social reports whether the kind lives behind the gated social session.
func (k Kind) Social() bool {
	return k == KindSocialProfile || k == KindSocialGroup || k == KindSocialEvent
}

// SourceTarget is immutable once a run starts; pass it by value.
type SourceTarget struct {
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".heic": true,
}

// InferKind classifies a URL when the caller did not say what it is.
func InferKind(raw string) Kind {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return KindGenericPage
	}
	if imageExts[strings.ToLower(path.Ext(u.Path))] {
		return KindSingleImage
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "facebook.com" || host == "fb.com" {
		p := strings.Trim(u.Path, "/")
		switch {
		case strings.HasPrefix(p, "groups/"):
			return KindSocialGroup
		case strings.HasPrefix(p, "events/"):
			return KindSocialEvent
		case p != "":
			return KindSocialProfile
		}
	}
	return KindGenericPage
}

// NewTarget builds a target, inferring the kind when it is empty or unknown.
func NewTarget(raw string, kind Kind) SourceTarget {
	if !kind.Valid() {
		kind = InferKind(raw)
	}
	return SourceTarget{URL: strings.TrimSpace(raw), Kind: kind}
}

type CandidateShow struct {
	VenueName   string   `json:"venueName"`
	Address     string   `json:"address,omitempty"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	Zip         string   `json:"zip,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	Day         string   `json:"day"`
	StartTime   string   `json:"startTime,omitempty"`
	EndTime     string   `json:"endTime,omitempty"`
	DJName      string   `json:"djName,omitempty"`
	VendorName  string   `json:"vendorName,omitempty"`
	Description string   `json:"description,omitempty"`
	SourceURL   string   `json:"sourceUrl"`
	Confidence  float64  `json:"confidence"`
}

// GeoComplete reports whether all six location fields are populated.
func (s CandidateShow) GeoComplete() bool {
	return s.VenueName != "" && s.City != "" && s.State != "" && s.Zip != "" && s.Lat != nil && s.Lng != nil
}

type CandidateDJ struct {
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases,omitempty"`
	Confidence float64  `json:"confidence"`
	Context    string   `json:"context,omitempty"`
	SourceURL  string   `json:"sourceUrl,omitempty"`
}

type CandidateVendor struct {
	Name        string  `json:"name"`
	Website     string  `json:"website,omitempty"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
	SourceURL   string  `json:"sourceUrl,omitempty"`
}

// MediaReference keeps the recorded URL and the URL that actually produced
// bytes apart; UsedFallback discloses when they differ.
type MediaReference struct {
	ThumbnailURL  string `json:"thumbnailUrl"`
	FullsizeURL   string `json:"fullsizeUrl"`
	ResolvedBytes []byte `json:"-"`
	MimeType      string `json:"mimeType,omitempty"`
	UsedFallback  bool   `json:"usedFallback"`
	Failed        bool   `json:"failed,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (m MediaReference) Resolved() bool { return len(m.ResolvedBytes) > 0 }

// Candidates groups the three candidate collections that flow through the
// pipeline together.
type Candidates struct {
	Shows   []CandidateShow   `json:"shows"`
	DJs     []CandidateDJ     `json:"djs"`
	Vendors []CandidateVendor `json:"vendors"`
}

func (c *Candidates) Append(o Candidates) {
	c.Shows = append(c.Shows, o.Shows...)
	c.DJs = append(c.DJs, o.DJs...)
	c.Vendors = append(c.Vendors, o.Vendors...)
}

func (c Candidates) Empty() bool {
	return len(c.Shows) == 0 && len(c.DJs) == 0 && len(c.Vendors) == 0
}

type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// ParsedScheduleRecord is the persisted review unit, one pending record per
// source URL.
type ParsedScheduleRecord struct {
	ID                string            `json:"id"`
	SourceURL         string            `json:"sourceUrl"`
	RawContentSummary string            `json:"rawContentSummary"`
	CandidateShows    []CandidateShow   `json:"candidateShows"`
	CandidateDJs      []CandidateDJ     `json:"candidateDJs"`
	CandidateVendors  []CandidateVendor `json:"candidateVendors"`
	Status            Status            `json:"status"`
	Logs              []string          `json:"logs"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// RunLog is the ordered, human readable log of one ExtractionRun.
type RunLog struct {
	mu    sync.Mutex
	lines []string
	now   func() time.Time
}

func NewRunLog() *RunLog { return &RunLog{now: time.Now} }

func (l *RunLog) Addf(format string, args ...any) {
	l.Add(fmt.Sprintf(format, args...))
}

func (l *RunLog) Add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, l.now().UTC().Format(time.RFC3339)+" "+line)
}

// Lines returns a copy of the log in insertion order.
func (l *RunLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// ExtractionRun is one attempt against a SourceTarget.
type ExtractionRun struct {
	ID        string
	Target    SourceTarget
	StartedAt time.Time
	Log       *RunLog
}
