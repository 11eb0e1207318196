package models

// Lead is one deduplicated prospect pulled from the lead-sourcing service.
// Person and Company payloads are passed through to content generation as-is.
type Lead struct {
	ExternalID string         `json:"external_id" validate:"required"`
	Person     map[string]any `json:"person,omitempty"`
	Company    map[string]any `json:"company,omitempty"`
}

// RecipientAddress extracts the delivery address from the person payload.
func (l *Lead) RecipientAddress() string {
	addr, _ := l.Person["email"].(string)

	return addr
}

// RecipientName extracts the display name from the person payload.
func (l *Lead) RecipientName() string {
	name, _ := l.Person["name"].(string)

	return name
}

// CompanyName extracts the company display name, if present.
func (l *Lead) CompanyName() string {
	name, _ := l.Company["name"].(string)

	return name
}

// BrandProfile is the sales profile used to personalize content. It is
// fetched from the brand profile service, or derived as a placeholder when
// that service fails.
type BrandProfile struct {
	BrandID     string         `json:"brand_id,omitempty"`
	Name        string         `json:"name"`
	Domain      string         `json:"domain,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Placeholder bool           `json:"placeholder,omitempty"`
}

// Content is one generated personalized message.
type Content struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
