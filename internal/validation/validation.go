package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

// Field limits for request payloads.
const (
	MaxNameLength        = 200
	MaxCategoryLength    = 100
	MaxDescriptionLength = 4000
	MaxMilestones        = 50
	MaxTasksPerMilestone = 200
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is a list of field failures returned as a single error.
type Errors []ValidationError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated failures as an Errors value, or nil.
func (c *Collector) Err() error {
	if len(c.errors) == 0 {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	// Crockford Base32 alphabet: 0123456789ABCDEFGHJKMNPQRSTVWXYZ
	// Excludes: I, L, O, U (to avoid confusion)
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateDate returns an error if the value is not a YYYY-MM-DD calendar date.
func ValidateDate(field, value string) *ValidationError {
	if _, err := time.Parse(time.DateOnly, value); err != nil {
		return &ValidationError{
			Field:   field,
			Message: "must be a date in YYYY-MM-DD format",
		}
	}
	return nil
}

// ValidatePositive returns an error if the amount is zero or negative.
func ValidatePositive(field string, value decimal.Decimal) *ValidationError {
	if !value.IsPositive() {
		return &ValidationError{
			Field:   field,
			Message: "must be greater than zero",
		}
	}
	return nil
}

// ValidateCurrency returns an error unless the value is a 3-letter uppercase code.
func ValidateCurrency(field, value string) *ValidationError {
	if len(value) != 3 || strings.ToUpper(value) != value || strings.IndexFunc(value, func(r rune) bool {
		return r < 'A' || r > 'Z'
	}) >= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be a 3-letter ISO 4217 code",
		}
	}
	return nil
}

func validateText(c *Collector, field, value string, max int, required bool) {
	if required {
		if err := ValidateRequired(field, value); err != nil {
			c.Add(err)
			return
		}
	}
	if err := ValidateUTF8(field, value); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

func expenseStatuses() []string {
	return []string{string(types.ExpensePending), string(types.ExpenseApproved), string(types.ExpenseRejected)}
}

func progressStatuses() []string {
	return []string{string(types.TaskNotStarted), string(types.TaskInProgress), string(types.TaskCompleted)}
}

// ValidateExpenseStatus returns an error unless the value is a known expense status.
func ValidateExpenseStatus(field string, value types.ExpenseStatus) *ValidationError {
	return ValidateEnum(field, string(value), expenseStatuses())
}

// ValidateNewExpense validates an expense creation request.
// An empty status is allowed and means Pending.
func ValidateNewExpense(in types.NewExpense) []ValidationError {
	c := &Collector{}
	validateText(c, "category", in.Category, MaxCategoryLength, true)
	c.Add(ValidatePositive("amount", in.Amount))
	c.Add(ValidateDate("date", in.Date))
	validateText(c, "description", in.Description, MaxDescriptionLength, false)
	validateText(c, "requested_by", in.RequestedBy, MaxNameLength, false)
	if in.Status != "" {
		c.Add(ValidateExpenseStatus("status", in.Status))
	}
	return c.Errors()
}

// ValidateExpensePatch validates the present fields of a sparse expense update.
func ValidateExpensePatch(p types.ExpensePatch) []ValidationError {
	c := &Collector{}
	if p.IsEmpty() {
		c.Add(&ValidationError{Field: "body", Message: "must contain at least one field"})
		return c.Errors()
	}
	if p.Category != nil {
		validateText(c, "category", *p.Category, MaxCategoryLength, true)
	}
	if p.Amount != nil {
		c.Add(ValidatePositive("amount", *p.Amount))
	}
	if p.Date != nil {
		c.Add(ValidateDate("date", *p.Date))
	}
	if p.Description != nil {
		validateText(c, "description", *p.Description, MaxDescriptionLength, false)
	}
	if p.RequestedBy != nil {
		validateText(c, "requested_by", *p.RequestedBy, MaxNameLength, false)
	}
	if p.Status != nil {
		c.Add(ValidateExpenseStatus("status", *p.Status))
	}
	return c.Errors()
}

// ValidateNewProject validates a project tree. Child fields are reported as
// milestones[i].name and milestones[i].tasks[j].title.
func ValidateNewProject(in types.NewProject) []ValidationError {
	c := &Collector{}
	validateText(c, "name", in.Name, MaxNameLength, true)
	validateText(c, "description", in.Description, MaxDescriptionLength, false)
	if in.BudgetEstimated.IsNegative() {
		c.Add(&ValidationError{Field: "budget_estimated", Message: "must not be negative"})
	}
	if in.Currency != "" {
		c.Add(ValidateCurrency("currency", in.Currency))
	}
	if in.StartDate != "" {
		c.Add(ValidateDate("start_date", in.StartDate))
	}
	if in.EndDate != "" {
		c.Add(ValidateDate("end_date", in.EndDate))
	}
	if len(in.Milestones) > MaxMilestones {
		c.Add(&ValidationError{Field: "milestones", Message: fmt.Sprintf("exceeds maximum of %d", MaxMilestones)})
		return c.Errors()
	}

	for i, m := range in.Milestones {
		prefix := fmt.Sprintf("milestones[%d]", i)
		validateText(c, prefix+".name", m.Name, MaxNameLength, true)
		if m.Status != "" {
			c.Add(ValidateEnum(prefix+".status", string(m.Status), progressStatuses()))
		}
		if len(m.Tasks) > MaxTasksPerMilestone {
			c.Add(&ValidationError{Field: prefix + ".tasks", Message: fmt.Sprintf("exceeds maximum of %d", MaxTasksPerMilestone)})
			continue
		}
		for j, task := range m.Tasks {
			tp := fmt.Sprintf("%s.tasks[%d]", prefix, j)
			validateText(c, tp+".title", task.Title, MaxNameLength, true)
			if task.Status != "" {
				c.Add(ValidateEnum(tp+".status", string(task.Status), progressStatuses()))
			}
			if task.DueDate != "" {
				c.Add(ValidateDate(tp+".due_date", task.DueDate))
			}
		}
	}
	return c.Errors()
}

// ValidateTaskStatus returns an error unless the value is a known task status.
func ValidateTaskStatus(field string, value types.TaskStatus) *ValidationError {
	return ValidateEnum(field, string(value), progressStatuses())
}

// ValidateMilestoneStatus returns an error unless the value is a known milestone status.
func ValidateMilestoneStatus(field string, value types.MilestoneStatus) *ValidationError {
	return ValidateEnum(field, string(value), progressStatuses())
}

// ValidateWeights checks completion weight overrides. Each weight must lie
// in [0, 100] and stage names must be non-empty.
func ValidateWeights(field string, weights map[string]int) []ValidationError {
	c := &Collector{}
	for name, w := range weights {
		f := fmt.Sprintf("%s[%q]", field, name)
		c.Add(ValidateRequired(f, name))
		c.Add(ValidateRange(f, float64(w), 0, 100))
	}
	return c.Errors()
}
