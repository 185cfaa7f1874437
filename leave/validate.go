package leave

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/warp/leave-engine/generic"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Draft is the requester-supplied part of a request, as received from a
// client. Validate it, then Apply it onto a Request.
type Draft struct {
	Category   Category `json:"category" validate:"required,oneof=ANNUAL SICK PERSONAL MENSTRUAL BEREAVEMENT OFFICIAL OVERTIME COMPENSATORY"`
	StartDate  string   `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate    string   `json:"end_date" validate:"required,datetime=2006-01-02"`
	PartialDay bool     `json:"partial_day"`
	StartTime  string   `json:"start_time,omitempty" validate:"omitempty,datetime=15:04"`
	EndTime    string   `json:"end_time,omitempty" validate:"omitempty,datetime=15:04"`
	Reason     string   `json:"reason" validate:"max=500"`
	Deputy     string   `json:"deputy,omitempty" validate:"max=100"`
}

// Validate checks field formats and cross-field rules. It returns a
// *generic.ValidationError listing every problem found.
func (d Draft) Validate() error {
	var fields []generic.FieldError
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, generic.FieldError{
				Field:   toSnake(fe.Field()),
				Message: fieldMessage(fe),
			})
		}
		return &generic.ValidationError{Fields: fields}
	}

	start, end := generic.MustDate(d.StartDate), generic.MustDate(d.EndDate)
	if end.Before(start) {
		fields = append(fields, generic.FieldError{Field: "end_date", Message: "must not be before start_date"})
	}
	if d.PartialDay && d.Category != CategoryOvertime && !start.Equal(end) {
		fields = append(fields, generic.FieldError{Field: "end_date", Message: "partial-day leave must start and end on the same day"})
	}
	switch {
	case (d.StartTime == "") != (d.EndTime == ""):
		fields = append(fields, generic.FieldError{Field: "end_time", Message: "start_time and end_time go together"})
	case d.PartialDay && d.StartTime == "":
		fields = append(fields,
			generic.FieldError{Field: "start_time", Message: "is required for partial-day requests"},
			generic.FieldError{Field: "end_time", Message: "is required for partial-day requests"},
		)
	}
	if len(fields) > 0 {
		return &generic.ValidationError{Fields: fields}
	}
	return nil
}

// Apply copies the validated draft onto r. Call Validate first.
func (d Draft) Apply(r *Request) {
	r.Category = d.Category
	r.StartDate = generic.MustDate(d.StartDate)
	r.EndDate = generic.MustDate(d.EndDate)
	r.PartialDay = d.PartialDay
	r.StartTime, r.EndTime = nil, nil
	if d.StartTime != "" && d.EndTime != "" {
		r.StartTime = generic.MustClock(d.StartTime)
		r.EndTime = generic.MustClock(d.EndTime)
	}
	r.Reason = strings.TrimSpace(d.Reason)
	r.Deputy = strings.TrimSpace(d.Deputy)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "datetime":
		return fmt.Sprintf("must match layout %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
