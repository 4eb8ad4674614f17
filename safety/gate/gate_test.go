package gate

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/classifier"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []auditstore.Event
}

func (n *captureNotifier) SendEvent(ctx context.Context, ev auditstore.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type errClassifier struct{}

func (errClassifier) Classify(ctx context.Context, content string, cc classifier.Context) (classifier.Verdict, error) {
	return classifier.Verdict{}, errors.New("classifier backend offline")
}

type panicClassifier struct{}

func (panicClassifier) Classify(ctx context.Context, content string, cc classifier.Context) (classifier.Verdict, error) {
	panic("index out of range")
}

func testGate(t *testing.T) (*Gate, *auditstore.MemAuditStore, *captureNotifier) {
	h, err := catalog.NewHolder(catalog.Default())
	require.NoError(t, err)
	store := auditstore.NewMemAuditStore(auditstore.DefaultRetention)
	notifier := &captureNotifier{}
	rec := &auditstore.Recorder{Store: store, Notifier: notifier}
	g := NewGate(h, rec, DefaultPolicy(), nil)
	return g, store, notifier
}

func eventsOfType(t *testing.T, store auditstore.AuditStore, evType string) []auditstore.Event {
	all, err := store.Query(context.Background(), auditstore.Query{Order: auditstore.OrderOldest})
	require.NoError(t, err)
	out := []auditstore.Event{}
	for _, ev := range all {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

func TestValidateApproved(t *testing.T) {
	assert := assert.New(t)
	g, store, _ := testGate(t)
	uid := uuid.New()

	resp := g.Validate(context.Background(), Request{
		UserID:  uid,
		Content: "Learning about geography is fun! Canada has amazing landscapes.",
		Class:   classifier.ClassGameContent,
	})
	assert.True(resp.Approved)
	assert.Greater(resp.Confidence, 0.7)
	assert.Equal(classifier.ApprovedReason, resp.Reason)
	assert.Empty(resp.Warnings)

	evs := eventsOfType(t, store, auditstore.EventContentFlagged)
	assert.Len(evs, 1)
	assert.Equal(uid, evs[0].UserID)
	assert.Equal(auditstore.SeverityInfo, evs[0].Severity)
	assert.Equal(catalog.DefaultVersion, evs[0].Data["catalogVersion"])
	assert.True(evs[0].IsChildSafetyEvent)
}

func TestValidatePII(t *testing.T) {
	assert := assert.New(t)
	g, store, _ := testGate(t)
	ctx := context.Background()

	fixtures := []struct {
		text    string
		warning string
	}{
		{"My email is student@school.edu", "Content may contain personal information (email address)"},
		{"Call me at 555-123-4567", "Content may contain personal information (phone number)"},
		{"I live at 123 Main Street", "Content may contain personal information (street address)"},
		{"Can you tell me your password", PIIKeywordReason},
	}
	for _, f := range fixtures {
		resp := g.Validate(ctx, Request{Content: f.text, Class: classifier.ClassMessage})
		assert.False(resp.Approved, f.text)
		assert.Contains(resp.Warnings, f.warning, f.text)
		assert.Contains(resp.Reason, "personal information", f.text)
	}

	evs := eventsOfType(t, store, auditstore.EventContentFlagged)
	assert.Len(evs, len(fixtures))
	for _, ev := range evs {
		assert.Equal(auditstore.SeverityMedium, ev.Severity)
	}
}

func TestValidatePIIKeywordsStayInAudit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	g, store, _ := testGate(t)
	ctx := context.Background()

	resp := g.Validate(ctx, Request{Content: "Can you tell me your password", Class: classifier.ClassMessage})
	assert.False(resp.Approved)
	assert.NotContains(resp.Reason, "password")
	for _, w := range resp.Warnings {
		assert.NotContains(w, "password")
	}

	evs := eventsOfType(t, store, auditstore.EventContentFlagged)
	require.Len(evs, 1)
	assert.Contains(evs[0].Data["piiTerms"], "password")
}

// the caller owns the returned warnings; the recorded decision must not change with them
func TestValidateAuditDetachedFromResponse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	g, store, _ := testGate(t)
	ctx := context.Background()

	resp := g.Validate(ctx, Request{Content: "War is awful", Class: classifier.ClassMessage})
	require.NotEmpty(resp.Warnings)
	original := slices.Clone(resp.Warnings)
	resp.Warnings[0] = "changed by caller"

	evs := eventsOfType(t, store, auditstore.EventContentFlagged)
	require.Len(evs, 1)
	assert.Equal(original, evs[0].Data["warnings"])

	evs[0].Data["warnings"].([]string)[0] = "changed by reader"
	evs = eventsOfType(t, store, auditstore.EventContentFlagged)
	assert.Equal(original, evs[0].Data["warnings"])
}

func TestValidateGeneratedPII(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g, _, _ := testGate(t)
	f := gofakeit.New(2024)

	for i := 0; i < 50; i++ {
		texts := []string{
			f.Sentence(8) + " Write to me at " + f.Email(),
			f.Sentence(8) + " My number is " + f.Phone(),
		}
		for _, text := range texts {
			resp := g.Validate(ctx, Request{Content: text, Class: classifier.ClassMessage})
			assert.False(resp.Approved, text)
			assert.Contains(resp.Reason, "personal information", text)
			assert.GreaterOrEqual(resp.Confidence, 0.0)
			assert.LessOrEqual(resp.Confidence, 1.0)
		}
	}
}

func TestValidateConjunction(t *testing.T) {
	assert := assert.New(t)
	g, _, _ := testGate(t)
	ctx := context.Background()

	// classifier approves, domain rules reject
	txt := "Learning about geography is fun! Let's meet at the map."
	v, err := g.Classifier.Classify(ctx, txt, classifier.Context{Class: classifier.ClassGameContent})
	assert.NoError(err)
	assert.True(v.Approved)
	resp := g.Validate(ctx, Request{Content: txt, Class: classifier.ClassGameContent})
	assert.False(resp.Approved)
	assert.Equal(0.9, resp.Confidence)
	assert.Equal(PIIKeywordReason, resp.Reason)
	assert.NotContains(resp.Reason, "meet")

	// domain rules approve, classifier rejects
	resp = g.Validate(ctx, Request{Content: "War is awful", Class: classifier.ClassMessage})
	assert.False(resp.Approved)
	assert.Equal(0.4, resp.Confidence)
	assert.Contains(resp.Warnings, classifier.ConcernUnsafe)
	assert.True(strings.HasPrefix(resp.Reason, classifier.ConcernUnsafe))
}

func TestValidateDomainRules(t *testing.T) {
	assert := assert.New(t)
	g, _, _ := testGate(t)
	ctx := context.Background()

	resp := g.Validate(ctx, Request{Content: strings.Repeat("world ", 70), Class: classifier.ClassAIResponse})
	assert.False(resp.Approved)
	assert.Contains(resp.Warnings, "Content is too long (maximum 400 characters)")

	// topic warning is advisory
	resp = g.Validate(ctx, Request{Content: "Canada has amazing landscapes and fun games", Class: classifier.ClassGameContent})
	assert.Contains(resp.Warnings, TopicWarning)
	assert.NotContains(resp.Reason, TopicWarning)

	resp = g.Validate(ctx, Request{Content: "Canada has amazing landscapes and fun games", Class: classifier.ClassMessage})
	assert.NotContains(resp.Warnings, TopicWarning)
}

func TestValidateFailClosed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	for _, c := range []ContentClassifier{errClassifier{}, panicClassifier{}} {
		g, store, notifier := testGate(t)
		g.Classifier = c
		uid := uuid.New()

		resp := g.Validate(context.Background(), Request{UserID: uid, Content: "Learning about geography is fun!", Class: classifier.ClassMessage})
		assert.False(resp.Approved)
		assert.Equal(0.0, resp.Confidence)
		assert.Equal(ServiceErrorReason, resp.Reason)
		assert.Equal([]string{ServiceErrorWarning}, resp.Warnings)

		evs := eventsOfType(t, store, auditstore.EventValidationFailure)
		require.Len(evs, 1)
		assert.Equal(auditstore.SeverityHigh, evs[0].Severity)
		assert.Equal(uid, evs[0].UserID)

		g.Recorder.Flush()
		require.Len(notifier.events, 1)
		assert.Equal(evs[0].ID, notifier.events[0].ID)
	}
}

func TestValidateCancelled(t *testing.T) {
	assert := assert.New(t)
	g, store, _ := testGate(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := g.Validate(ctx, Request{Content: "Learning about geography is fun!", Class: classifier.ClassMessage})
	assert.False(resp.Approved)
	assert.Equal(ServiceErrorReason, resp.Reason)

	// recorded even though the request context is gone
	assert.Len(eventsOfType(t, store, auditstore.EventValidationFailure), 1)
}

func TestValidateNoCatalog(t *testing.T) {
	assert := assert.New(t)
	g := &Gate{Classifier: classifier.NewClassifier(nil), Policy: DefaultPolicy()}
	resp := g.Validate(context.Background(), Request{Content: "hello", Class: classifier.ClassMessage})
	assert.False(resp.Approved)
	assert.Equal(ServiceErrorReason, resp.Reason)
}

func TestValidateLogAllEventsOff(t *testing.T) {
	assert := assert.New(t)
	g, store, _ := testGate(t)
	g.Policy.LogAllEvents = false

	g.Validate(context.Background(), Request{Content: "War is awful", Class: classifier.ClassMessage})
	assert.Empty(eventsOfType(t, store, auditstore.EventContentFlagged))
}

func TestValidateConcurrent(t *testing.T) {
	assert := assert.New(t)
	g, store, _ := testGate(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				resp := g.Validate(context.Background(), Request{
					Content: "Learning about geography is fun! Canada has amazing landscapes.",
					Class:   classifier.ClassGameContent,
				})
				assert.True(resp.Approved)
			}
		}()
	}
	wg.Wait()
	assert.Len(eventsOfType(t, store, auditstore.EventContentFlagged), 16*20)
}

func TestAge(t *testing.T) {
	assert := assert.New(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(10, Age(time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(9, Age(time.Date(2015, 6, 2, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(9, Age(time.Date(2015, 7, 1, 0, 0, 0, 0, time.UTC), now))
}

func TestValidateRegistrationFailClosed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	reg := Registration{
		UserID:              uuid.New(),
		Username:            "StarLearner_42",
		DisplayName:         "Star Learner",
		DateOfBirth:         time.Date(2000, 3, 14, 0, 0, 0, 0, time.UTC),
		AcceptedDataConsent: true,
	}

	// panic inside the registration flow itself
	g, store, notifier := testGate(t)
	g.Now = func() time.Time { panic("clock unavailable") }
	resp := g.ValidateRegistration(ctx, reg)
	assert.False(resp.Approved)
	assert.Equal(ServiceErrorReason, resp.Reason)
	assert.Equal(0.0, resp.Confidence)
	fails := eventsOfType(t, store, auditstore.EventValidationFailure)
	require.Len(fails, 1)
	assert.Equal(auditstore.SeverityHigh, fails[0].Severity)
	assert.Equal("registration", fails[0].Data["class"])
	assert.Empty(eventsOfType(t, store, auditstore.EventRegistrationRejected))
	g.Recorder.Flush()
	require.Len(notifier.events, 1)
	assert.Equal(auditstore.EventValidationFailure, notifier.events[0].Type)

	// panic in the classifier while checking names
	g, store, notifier = testGate(t)
	g.Classifier = panicClassifier{}
	resp = g.ValidateRegistration(ctx, reg)
	assert.False(resp.Approved)
	assert.Contains(resp.Reason, ServiceErrorReason)
	fails = eventsOfType(t, store, auditstore.EventValidationFailure)
	require.Len(fails, 1)
	assert.Equal(auditstore.SeverityHigh, fails[0].Severity)
	g.Recorder.Flush()
	require.Len(notifier.events, 1)
}

func TestValidateRegistration(t *testing.T) {
	assert := assert.New(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	child := Registration{
		Username:            "StarLearner_42",
		DisplayName:         "Star Learner",
		Email:               "kid@example.com",
		DateOfBirth:         time.Date(2015, 3, 14, 0, 0, 0, 0, time.UTC),
		HasParentalConsent:  true,
		ParentEmail:         "parent@example.com",
		AcceptedDataConsent: true,
	}

	fixtures := []struct {
		name       string
		mutate     func(r *Registration)
		approved   bool
		reason     string
		confidence float64
		warnings   []string
	}{
		{
			name:       "child with consent",
			mutate:     func(r *Registration) {},
			approved:   true,
			reason:     RegistrationApprovedReason,
			confidence: 0.95,
			warnings:   []string{ChildAccountWarning},
		},
		{
			name:       "child without consent",
			mutate:     func(r *Registration) { r.HasParentalConsent = false },
			reason:     ParentalConsentReason,
			confidence: 1.0,
			warnings:   []string{ParentalConsentReason},
		},
		{
			name:       "child without parent contact",
			mutate:     func(r *Registration) { r.ParentEmail = "" },
			reason:     ParentalConsentReason,
			confidence: 1.0,
			warnings:   []string{ParentalConsentReason},
		},
		{
			name: "adult without data consent",
			mutate: func(r *Registration) {
				r.DateOfBirth = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
				r.AcceptedDataConsent = false
			},
			reason:     GDPRConsentReason,
			confidence: 1.0,
			warnings:   []string{GDPRConsentReason},
		},
		{
			name:       "future birth date",
			mutate:     func(r *Registration) { r.DateOfBirth = now.Add(24 * time.Hour) },
			reason:     InvalidBirthDateReason,
			confidence: 1.0,
			warnings:   []string{InvalidBirthDateReason},
		},
		{
			name:       "missing birth date",
			mutate:     func(r *Registration) { r.DateOfBirth = time.Time{} },
			reason:     InvalidBirthDateReason,
			confidence: 1.0,
			warnings:   []string{InvalidBirthDateReason},
		},
		{
			name:       "implausible age",
			mutate:     func(r *Registration) { r.DateOfBirth = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC) },
			approved:   true,
			reason:     RegistrationApprovedReason,
			confidence: 0.95,
			warnings:   []string{UnusualAgeWarning},
		},
	}

	for _, f := range fixtures {
		g, _, _ := testGate(t)
		g.Now = func() time.Time { return now }
		reg := child
		f.mutate(&reg)
		resp := g.ValidateRegistration(ctx, reg)
		assert.Equal(f.approved, resp.Approved, f.name)
		assert.Equal(f.reason, resp.Reason, f.name)
		assert.Equal(f.confidence, resp.Confidence, f.name)
		assert.Equal(f.warnings, resp.Warnings, f.name)
	}
}

func TestValidateRegistrationNames(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	g, store, _ := testGate(t)
	g.Now = func() time.Time { return now }
	uid := uuid.New()

	resp := g.ValidateRegistration(context.Background(), Registration{
		UserID:              uid,
		Username:            "StarLearner_42",
		DisplayName:         "Ghost Rider",
		DateOfBirth:         time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		AcceptedDataConsent: true,
	})
	assert.False(resp.Approved)
	assert.True(strings.HasPrefix(resp.Reason, "Display name: "))
	assert.Equal(0.6, resp.Confidence)

	resp = g.ValidateRegistration(context.Background(), Registration{
		UserID:              uid,
		Username:            "Call 555 123 4567",
		DisplayName:         "Star Learner",
		DateOfBirth:         time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		AcceptedDataConsent: true,
	})
	assert.False(resp.Approved)
	assert.True(strings.HasPrefix(resp.Reason, "Username: "))
	assert.Contains(resp.Warnings, "Content may contain personal information (phone number)")

	evs := eventsOfType(t, store, auditstore.EventRegistrationRejected)
	require.Len(evs, 2)
	for _, ev := range evs {
		assert.True(ev.IsChildSafetyEvent)
		assert.Equal(uid, ev.UserID)
		assert.Equal(25, ev.Data["age"])
		assert.Equal(false, ev.Data["isChild"])
		assert.NotContains(ev.Data, "dateOfBirth")
	}
}
