package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ShareType is the kind of analysis report a share carries.
type ShareType string

const (
	ShareTypeStyleGuide       ShareType = "style_guide"
	ShareTypeHeadingStructure ShareType = "heading_structure"
	ShareTypeQuickSEO         ShareType = "quick_seo"
	ShareTypeImagesAlt        ShareType = "images_alt"
	ShareTypeSocialPreview    ShareType = "social_preview"
)

// ShareTypes lists every supported report type.
var ShareTypes = []ShareType{
	ShareTypeStyleGuide,
	ShareTypeHeadingStructure,
	ShareTypeQuickSEO,
	ShareTypeImagesAlt,
	ShareTypeSocialPreview,
}

func (t ShareType) Valid() bool {
	for _, known := range ShareTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Share represents a persisted, publicly viewable analysis report.
type Share struct {
	ID             uuid.UUID
	ShareID        string
	Type           ShareType
	Title          *string
	WebsiteURL     string
	OGImageURL     *string
	ViewCount      int
	UserID         *string // nil for anonymous shares
	OrganizationID *string // nil for anonymous shares
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IsExpired      bool
	Payload        json.RawMessage // only populated by GetShare
}

// IsWorkspace reports whether the share is owned by a user within an organization.
func (s *Share) IsWorkspace() bool {
	return s.UserID != nil && s.OrganizationID != nil
}

// IsAnonymous reports whether the share has no owner.
func (s *Share) IsAnonymous() bool {
	return s.UserID == nil && s.OrganizationID == nil
}

// UsageMetric names a per-organization usage counter.
type UsageMetric string

const (
	MetricShares UsageMetric = "shares"
)

// Stats holds aggregate server statistics.
type Stats struct {
	TotalShares     int64
	ActiveShares    int64
	ExpiredShares   int64
	AnonymousShares int64
	TotalViews      int64
}
