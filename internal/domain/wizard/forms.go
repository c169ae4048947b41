package wizard

import "fmt"

// EscrowForm is the study-detail input captured when the run starts. Funding
// amounts are token base units.
type EscrowForm struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TotalFunding int64  `json:"totalFunding"`
	DurationDays int    `json:"durationDays"`
	// Compensation is computed server side from the funding parameters when
	// the escrow transaction is built; the submitted value is ignored.
	Compensation string `json:"compensation,omitempty"`
}

// Validate checks the escrow form for submission.
func (f *EscrowForm) Validate() error {
	if f == nil {
		return fmt.Errorf("escrow form is required")
	}
	if f.Title == "" {
		return fmt.Errorf("study title is required")
	}
	if f.TotalFunding <= 0 {
		return fmt.Errorf("total funding must be positive")
	}
	if f.DurationDays <= 0 {
		return fmt.Errorf("study duration must be positive")
	}
	return nil
}

// RegistryForm is the public registry entry input.
type RegistryForm struct {
	Summary   string   `json:"summary"`
	Condition string   `json:"condition"`
	DataTypes []string `json:"dataTypes,omitempty"`
}

// Validate checks the registry form for submission.
func (f *RegistryForm) Validate() error {
	if f == nil {
		return fmt.Errorf("registry form is required")
	}
	if f.Summary == "" {
		return fmt.Errorf("study summary is required")
	}
	if f.Condition == "" {
		return fmt.Errorf("studied condition is required")
	}
	return nil
}

// CriteriaForm is the eligibility criteria input. Expression is evaluated
// against participant attributes (age, diagnosis, consent).
type CriteriaForm struct {
	Expression string `json:"expression"`
	MinAge     int    `json:"minAge"`
	MaxAge     int    `json:"maxAge"`
}

// Validate checks the criteria form shape. Expression compilation is the
// application layer's concern.
func (f *CriteriaForm) Validate() error {
	if f == nil {
		return fmt.Errorf("criteria form is required")
	}
	if f.Expression == "" {
		return fmt.Errorf("eligibility expression is required")
	}
	if f.MinAge < 0 || (f.MaxAge != 0 && f.MaxAge < f.MinAge) {
		return fmt.Errorf("invalid age range %d-%d", f.MinAge, f.MaxAge)
	}
	return nil
}

// MilestoneItem is one milestone definition with its participant reward.
type MilestoneItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Reward      int64  `json:"reward"`
}

// Validate checks a single milestone item.
func (m *MilestoneItem) Validate() error {
	if m.Title == "" {
		return fmt.Errorf("milestone title is required")
	}
	if m.Reward <= 0 {
		return fmt.Errorf("milestone reward must be positive")
	}
	return nil
}

// FormData retains user input per step so a resumed session re-renders
// previously entered values and later steps can read earlier ones.
type FormData struct {
	Escrow     *EscrowForm     `json:"escrow,omitempty"`
	Registry   *RegistryForm   `json:"registry,omitempty"`
	Criteria   *CriteriaForm   `json:"criteria,omitempty"`
	Milestones []MilestoneItem `json:"milestones,omitempty"`
}

// SetRegistryForm captures the registry step input. Legal once the run started.
func (s *Session) SetRegistryForm(f *RegistryForm) error {
	if s.Status == StatusIdle {
		return fmt.Errorf("set registry form on idle session: %w", ErrInvalidTransition)
	}
	s.FormData.Registry = f
	s.touch()
	return nil
}

// SetCriteriaForm captures the criteria step input.
func (s *Session) SetCriteriaForm(f *CriteriaForm) error {
	if s.Status == StatusIdle {
		return fmt.Errorf("set criteria form on idle session: %w", ErrInvalidTransition)
	}
	s.FormData.Criteria = f
	s.touch()
	return nil
}

// SetMilestoneItems captures the milestone step input.
func (s *Session) SetMilestoneItems(items []MilestoneItem) error {
	if s.Status == StatusIdle {
		return fmt.Errorf("set milestone items on idle session: %w", ErrInvalidTransition)
	}
	s.FormData.Milestones = append([]MilestoneItem(nil), items...)
	s.touch()
	return nil
}
