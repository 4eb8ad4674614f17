package safety

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/gate"
	"github.com/bluesky-social/kidgate/safety/responder"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	s, err := NewService(Config{})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestServiceValidate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testService(t)
	uid := uuid.New()

	resp := s.ValidateContent(ctx, "Learning about geography is fun! Canada has amazing landscapes.", classifier.ClassGameContent, uid)
	assert.True(resp.Approved)

	resp = s.ValidateContent(ctx, "My email is student@school.edu", classifier.ClassMessage, uid)
	assert.False(resp.Approved)

	reg := s.ValidateRegistration(ctx, gate.Registration{
		UserID:              uid,
		Username:            "StarLearner_42",
		DisplayName:         "Star Learner",
		DateOfBirth:         time.Now().AddDate(-20, 0, 0),
		AcceptedDataConsent: true,
	})
	assert.True(reg.Approved)

	all, err := s.GetAuditTrail(ctx, time.Time{}, time.Time{}, uid, false)
	require.NoError(err)
	// two content decisions, two name checks, one registration
	assert.Len(all, 5)
	assert.Equal(auditstore.EventRegistrationValidated, all[0].Type)

	other, err := s.GetAuditTrail(ctx, time.Time{}, time.Time{}, uuid.New(), false)
	require.NoError(err)
	assert.Empty(other)
}

func TestServiceGenerate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testService(t)
	uid := uuid.New()

	resp, err := s.GenerateSafeResponse(ctx, responder.LanguageTutor, "How do I say hello in French?", "", uid)
	assert.NoError(err)
	assert.False(resp.WasFallback)
	assert.NotEmpty(resp.Text)

	_, err = s.RecordServiceUsage(ctx, uid, "openai", decimal.RequireFromString("0.1"))
	assert.NoError(err)
	assert.True(s.IsOverDailyLimit(ctx, uid))

	_, err = s.GenerateSafeResponse(ctx, responder.LanguageTutor, "How do I say hello in French?", "", uid)
	assert.ErrorIs(err, ErrQuotaExceeded)

	// anonymous requests are not metered
	resp, err = s.GenerateSafeResponse(ctx, responder.LanguageTutor, "", "", uuid.Nil)
	assert.NoError(err)
	assert.True(resp.WasFallback)
}

func TestServicePurge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testService(t)

	_, err := s.PurgeAudit(ctx, 24*time.Hour)
	assert.ErrorIs(err, auditstore.ErrInsideRetention)

	s.ValidateContent(ctx, "Learning about geography is fun!", classifier.ClassMessage, uuid.New())
	n, err := s.PurgeAudit(ctx, auditstore.DefaultRetention)
	assert.NoError(err)
	assert.Equal(int64(0), n)

	purges, err := s.QueryAudit(ctx, auditstore.Query{})
	assert.NoError(err)
	assert.Len(purges, 2)

	n, err = s.PurgeUsage(ctx)
	assert.NoError(err)
	assert.Equal(int64(0), n)
}
