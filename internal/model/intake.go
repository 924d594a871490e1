package model

// IntakeForm holds the client's intake questionnaire responses. The shape is
// fixed per stage rather than an untyped map so missing-field bugs surface at
// compile time in the handlers that consume it.
type IntakeForm struct {
	CompanyName   string `json:"company_name"`
	LegalEntity   string `json:"legal_entity,omitempty"`
	ProjectType   string `json:"project_type,omitempty"`
	Goals         string `json:"goals,omitempty"`
	BudgetRange   string `json:"budget_range,omitempty"`
	Timeline      string `json:"timeline,omitempty"`
	Notes         string `json:"notes,omitempty"`
	SubmittedByID string `json:"submitted_by_id,omitempty"`
}

// Complete reports whether the form carries the minimum needed to draft a
// scope of work.
func (f *IntakeForm) Complete() bool {
	return f != nil && f.CompanyName != ""
}
