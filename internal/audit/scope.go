package audit

// Scope selects what a trigger call audits.
type Scope struct {
	// PublisherID is empty for the all-eligible scope.
	PublisherID string
	SiteNames   []string
}

// AllEligible audits every publisher with a workflow status.
func AllEligible() Scope {
	return Scope{}
}

// Explicit audits the given sites of one publisher.
func Explicit(publisherID string, siteNames []string) Scope {
	return Scope{PublisherID: publisherID, SiteNames: append([]string(nil), siteNames...)}
}

// IsAll reports whether s is the all-eligible scope.
func (s Scope) IsAll() bool {
	return s.PublisherID == ""
}
