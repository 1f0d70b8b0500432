package schema

import (
	"fmt"
	"strings"
	"time"
)

// Trigger is the event kind that causes an enrollment to be created.
type Trigger string

const (
	TriggerNewLead       Trigger = "new_lead"
	TriggerTrialBooked   Trigger = "trial_booked"
	TriggerTrialNoShow   Trigger = "trial_no_show"
	TriggerTrialAttended Trigger = "trial_attended"
	TriggerNewStudent    Trigger = "new_student"
	TriggerMissedClass   Trigger = "missed_class"
	TriggerBirthday      Trigger = "birthday"
	TriggerRenewalDue    Trigger = "renewal_due"
	TriggerBeltPromotion Trigger = "belt_promotion"
	TriggerManual        Trigger = "manual"
)

var knownTriggers = map[Trigger]struct{}{
	TriggerNewLead: {}, TriggerTrialBooked: {}, TriggerTrialNoShow: {}, TriggerTrialAttended: {},
	TriggerNewStudent: {}, TriggerMissedClass: {}, TriggerBirthday: {}, TriggerRenewalDue: {},
	TriggerBeltPromotion: {}, TriggerManual: {},
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	_, ok := knownTriggers[t]
	return ok
}

// StepKind enumerates the kinds of steps in a sequence.
type StepKind string

const (
	StepWait      StepKind = "wait"
	StepSendSMS   StepKind = "send_sms"
	StepSendEmail StepKind = "send_email"
	StepCondition StepKind = "condition"
	StepEnd       StepKind = "end"
)

// Valid reports whether k is one of the closed set of step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepWait, StepSendSMS, StepSendEmail, StepCondition, StepEnd:
		return true
	default:
		return false
	}
}

// IsSend reports whether the step delivers a message.
func (k StepKind) IsSend() bool {
	return k == StepSendSMS || k == StepSendEmail
}

// RecipientType distinguishes the two kinds of contacts a studio enrolls.
type RecipientType string

const (
	RecipientLead    RecipientType = "lead"
	RecipientStudent RecipientType = "student"
)

// Valid reports whether r is lead or student.
func (r RecipientType) Valid() bool {
	return r == RecipientLead || r == RecipientStudent
}

// StepSpec is the order-independent content of a step. Catalog templates
// carry these directly; persisted steps embed one.
type StepSpec struct {
	Kind        StepKind `json:"kind"`
	WaitMinutes int      `json:"wait_minutes,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	OnTrue      int      `json:"on_true,omitempty"`  // successor order; 0 = next in order
	OnFalse     int      `json:"on_false,omitempty"` // successor order; 0 = next in order
}

// WaitDuration returns the wait length for wait steps.
func (s StepSpec) WaitDuration() time.Duration {
	return time.Duration(s.WaitMinutes) * time.Minute
}

// ValidateSteps checks an ordered step list (index i has order i+1) against
// the sequence invariants: at least one step, exactly one end step placed
// last, and per-kind required fields.
func ValidateSteps(steps []StepSpec) *ValidationResult {
	res := &ValidationResult{}
	if len(steps) == 0 {
		res.AddError("steps", ErrCodeValidation, "a sequence needs at least one step")
		return res
	}

	ends := 0
	for i, s := range steps {
		order := i + 1
		path := fmt.Sprintf("steps[%d]", order)

		if !s.Kind.Valid() {
			res.AddError(path+".kind", ErrCodeValidation, fmt.Sprintf("step %d: unknown kind %q", order, s.Kind))
			continue
		}

		switch s.Kind {
		case StepWait:
			if s.WaitMinutes <= 0 {
				res.AddError(path+".wait_minutes", ErrCodeValidation,
					fmt.Sprintf("step %d: wait steps need a positive wait_minutes", order))
			}
		case StepSendSMS:
			if strings.TrimSpace(s.Body) == "" {
				res.AddError(path+".body", ErrCodeValidation, fmt.Sprintf("step %d: sms body is required", order))
			}
		case StepSendEmail:
			if strings.TrimSpace(s.Subject) == "" {
				res.AddError(path+".subject", ErrCodeValidation, fmt.Sprintf("step %d: email subject is required", order))
			}
			if strings.TrimSpace(s.Body) == "" {
				res.AddError(path+".body", ErrCodeValidation, fmt.Sprintf("step %d: email body is required", order))
			}
		case StepCondition:
			if strings.TrimSpace(s.Condition) == "" {
				res.AddWarning(path+".condition", ErrCodeValidation,
					fmt.Sprintf("step %d: empty condition always takes the true branch", order))
			}
			for _, target := range []int{s.OnTrue, s.OnFalse} {
				if target < 0 || target > len(steps) {
					res.AddError(path, ErrCodeStepOrderConflict,
						fmt.Sprintf("step %d: branch target %d is outside 1..%d", order, target, len(steps)))
				}
				if target == order {
					res.AddError(path, ErrCodeStepOrderConflict,
						fmt.Sprintf("step %d: condition cannot branch to itself", order))
				}
			}
		case StepEnd:
			ends++
			if order != len(steps) {
				res.AddError(path, ErrCodeStepOrderConflict,
					fmt.Sprintf("step %d: the end step must be the last step", order))
			}
		}
	}

	if ends != 1 {
		res.AddError("steps", ErrCodeStepOrderConflict,
			fmt.Sprintf("a sequence needs exactly one end step, found %d", ends))
	}
	return res
}

// Recipient is the personalization record of a lead or student.
type Recipient struct {
	Type      RecipientType     `json:"type"`
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	OptedOut  bool              `json:"opted_out,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Fields exposes the recipient to the variable resolver and condition
// expressions. Custom fields never shadow the built-in ones.
func (r *Recipient) Fields() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r.Custom)+8)
	for k, v := range r.Custom {
		out[k] = v
	}
	full := strings.TrimSpace(r.FirstName + " " + r.LastName)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("firstName", r.FirstName)
	set("lastName", r.LastName)
	set("fullName", full)
	set("name", full)
	set("email", r.Email)
	set("phone", r.Phone)
	out["recipientType"] = string(r.Type)
	out["optedOut"] = r.OptedOut
	return out
}

// TenantSettings holds the business profile used for personalization.
type TenantSettings struct {
	TenantID     string `json:"tenant_id"`
	BusinessName string `json:"business_name"`
	OwnerName    string `json:"owner_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Address      string `json:"address,omitempty"`
	Website      string `json:"website,omitempty"`
	BookingURL   string `json:"booking_url,omitempty"`
	AIChatURL    string `json:"ai_chat_url,omitempty"`
	Industry     string `json:"industry,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Fields exposes the settings under the names message templates use.
func (s *TenantSettings) Fields() map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, 16)
	set := func(v string, keys ...string) {
		if v == "" {
			return
		}
		for _, k := range keys {
			out[k] = v
		}
	}
	set(s.BusinessName, "businessName", "dojoName", "studioName")
	set(s.OwnerName, "ownerName", "instructorName")
	set(s.Phone, "dojoPhone", "businessPhone")
	set(s.Email, "dojoEmail", "businessEmail")
	set(s.Address, "dojoAddress", "businessAddress")
	set(s.Website, "website")
	set(s.Industry, "industry")
	return out
}

// Location returns the tenant's time zone, UTC when unset or unknown.
func (s *TenantSettings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SequenceDefinition is the authored content of a sequence: what catalog
// templates carry and what the management API accepts.
type SequenceDefinition struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Trigger     Trigger    `json:"trigger"`
	Steps       []StepSpec `json:"steps"`
}

// WithEnd returns the steps with an end step appended when the last step is
// not already one.
func WithEnd(steps []StepSpec) []StepSpec {
	if n := len(steps); n > 0 && steps[n-1].Kind == StepEnd {
		return steps
	}
	out := make([]StepSpec, len(steps), len(steps)+1)
	copy(out, steps)
	return append(out, StepSpec{Kind: StepEnd})
}
