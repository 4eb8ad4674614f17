package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/classifier"

	"github.com/google/uuid"
)

const (
	RegistrationApprovedReason = "Registration meets all child safety requirements"
	InvalidBirthDateReason     = "Invalid date of birth"
	ParentalConsentReason      = "Parental consent required for users under 13"
	GDPRConsentReason          = "GDPR consent required for data processing"
	ChildAccountWarning        = "Child account detected - enhanced safety features will be enabled"
	UnusualAgeWarning          = "Unusual age detected - please verify date of birth"

	// audit and log label for failures outside content validation
	registrationClass = "registration"

	registrationConfidence = 0.95
	maxPlausibleAge        = 100
)

type Registration struct {
	UserID              uuid.UUID `json:"userId"`
	Username            string    `json:"username"`
	DisplayName         string    `json:"displayName"`
	Email               string    `json:"email"`
	DateOfBirth         time.Time `json:"dateOfBirth"`
	HasParentalConsent  bool      `json:"hasParentalConsent"`
	ParentEmail         string    `json:"parentEmail"`
	AcceptedDataConsent bool      `json:"acceptedDataConsent"`
}

// Age in whole years on the given day.
func Age(dob, now time.Time) int {
	dob = dob.UTC()
	now = now.UTC()
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

// ValidateRegistration checks a new account before it is created. Like Validate, it never returns an error; unlike content validation, a rejection here has no fallback and is returned to the caller as is.
func (g *Gate) ValidateRegistration(ctx context.Context, reg Registration) (resp Response) {
	var age int
	isChild := false
	defer func() {
		if r := recover(); r != nil {
			registrationCount.WithLabelValues("error").Inc()
			resp = g.recordFailure(ctx, reg.UserID, registrationClass, fmt.Errorf("registration validation panic: %v", r))
			return
		}
		g.recordRegistration(ctx, reg.UserID, age, isChild, resp)
	}()

	warnings := []string{}
	reject := func(reason string, confidence float64) Response {
		return Response{
			Approved:   false,
			Reason:     reason,
			Confidence: confidence,
			Warnings:   append(warnings, reason),
		}
	}

	now := g.now()
	if reg.DateOfBirth.IsZero() || reg.DateOfBirth.After(now) {
		return reject(InvalidBirthDateReason, 1.0)
	}
	age = Age(reg.DateOfBirth, now)
	if age > maxPlausibleAge {
		warnings = append(warnings, UnusualAgeWarning)
	}

	threshold := g.Policy.ChildAgeThreshold
	if threshold <= 0 {
		threshold = 13
	}
	isChild = age < threshold
	if isChild {
		if g.Policy.RequireParentalConsent && (!reg.HasParentalConsent || reg.ParentEmail == "") {
			return reject(ParentalConsentReason, 1.0)
		}
		warnings = append(warnings, ChildAccountWarning)
	}

	if g.Policy.EnforceGDPR && !reg.AcceptedDataConsent {
		return reject(GDPRConsentReason, 1.0)
	}

	names := []struct {
		prefix string
		text   string
		class  classifier.ContentClass
	}{
		{"Display name: ", reg.DisplayName, classifier.ClassDisplayName},
		{"Username: ", reg.Username, classifier.ClassUsername},
	}
	for _, n := range names {
		r := g.Validate(ctx, Request{UserID: reg.UserID, Content: n.text, Class: n.class})
		if !r.Approved {
			out := reject(n.prefix+r.Reason, r.Confidence)
			out.Warnings = union(out.Warnings, r.Warnings)
			return out
		}
		warnings = union(warnings, r.Warnings)
	}

	return Response{
		Approved:   true,
		Reason:     RegistrationApprovedReason,
		Confidence: registrationConfidence,
		Warnings:   warnings,
	}
}

func (g *Gate) recordRegistration(ctx context.Context, userID uuid.UUID, age int, isChild bool, resp Response) {
	evType := auditstore.EventRegistrationValidated
	sev := auditstore.SeverityInfo
	outcome := "approved"
	if !resp.Approved {
		evType = auditstore.EventRegistrationRejected
		sev = auditstore.SeverityMedium
		outcome = "rejected"
	}
	registrationCount.WithLabelValues(outcome).Inc()

	// birth date and contact details stay out of the audit trail
	g.Recorder.Record(ctx, auditstore.NewEvent(evType, sev, userID, resp.Reason, map[string]any{
		"age":     age,
		"isChild": isChild,
	}))
}
