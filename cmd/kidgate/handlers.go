package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bluesky-social/kidgate/safety"
	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/gate"
	"github.com/bluesky-social/kidgate/safety/quota"
	"github.com/bluesky-social/kidgate/safety/responder"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func badRequest(c echo.Context, name string, err error) error {
	return c.JSON(http.StatusBadRequest, GenericError{
		Error:   name,
		Message: err.Error(),
	})
}

// parseUserID treats an empty string as "no user"
func parseUserID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

type ValidateContentRequest struct {
	Content      string `json:"content"`
	ContentClass string `json:"contentClass"`
	UserID       string `json:"userId,omitempty"`
}

func (srv *Server) HandleValidateContent(c echo.Context) error {
	ctx := c.Request().Context()

	var body ValidateContentRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "InvalidRequest", err)
	}
	class, err := classifier.ParseContentClass(body.ContentClass)
	if err != nil {
		return badRequest(c, "InvalidContentClass", err)
	}
	userID, err := parseUserID(body.UserID)
	if err != nil {
		return badRequest(c, "InvalidUserID", err)
	}
	return c.JSON(http.StatusOK, srv.svc.ValidateContent(ctx, body.Content, class, userID))
}

func (srv *Server) HandleValidateRegistration(c echo.Context) error {
	ctx := c.Request().Context()

	var body gate.Registration
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "InvalidRequest", err)
	}
	return c.JSON(http.StatusOK, srv.svc.ValidateRegistration(ctx, body))
}

type GenerateRequest struct {
	Persona  string `json:"persona"`
	Input    string `json:"input"`
	Scenario string `json:"scenario,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// GenerateOutput leaves out the fallback reason, which is for operators rather than players.
type GenerateOutput struct {
	Text        string `json:"text"`
	WasFallback bool   `json:"wasFallback"`
}

func (srv *Server) HandleGenerateResponse(c echo.Context) error {
	ctx := c.Request().Context()

	var body GenerateRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "InvalidRequest", err)
	}
	persona, err := responder.ParsePersona(body.Persona)
	if err != nil {
		return badRequest(c, "InvalidPersona", err)
	}
	userID, err := parseUserID(body.UserID)
	if err != nil {
		return badRequest(c, "InvalidUserID", err)
	}

	resp, err := srv.svc.GenerateSafeResponse(ctx, persona, body.Input, body.Scenario, userID)
	if errors.Is(err, safety.ErrQuotaExceeded) {
		return c.JSON(http.StatusTooManyRequests, GenericError{
			Error:   "QuotaExceeded",
			Message: safety.QuotaExceededMessage,
		})
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenerateOutput{
		Text:        resp.Text,
		WasFallback: resp.WasFallback,
	})
}

type AuditTrailOutput struct {
	Events []auditstore.Event `json:"events"`
}

func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected RFC 3339 timestamp", name)
	}
	return t, nil
}

func (srv *Server) HandleAuditTrail(c echo.Context) error {
	ctx := c.Request().Context()

	q := auditstore.Query{Order: auditstore.OrderNewest}
	var err error
	if q.From, err = parseTimeParam(c, "from"); err != nil {
		return badRequest(c, "InvalidTime", err)
	}
	if q.To, err = parseTimeParam(c, "to"); err != nil {
		return badRequest(c, "InvalidTime", err)
	}
	if q.UserID, err = parseUserID(c.QueryParam("userId")); err != nil {
		return badRequest(c, "InvalidUserID", err)
	}
	if raw := c.QueryParam("childSafetyOnly"); raw != "" {
		if q.ChildSafetyOnly, err = strconv.ParseBool(raw); err != nil {
			return badRequest(c, "InvalidRequest", err)
		}
	}
	switch c.QueryParam("order") {
	case "", "newest":
	case "oldest":
		q.Order = auditstore.OrderOldest
	default:
		return badRequest(c, "InvalidRequest", fmt.Errorf("order must be newest or oldest"))
	}
	q.Limit = 1000
	if raw := c.QueryParam("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 1 || q.Limit > 10_000 {
			return badRequest(c, "InvalidRequest", fmt.Errorf("limit must be between 1 and 10000"))
		}
	}

	events, err := srv.svc.QueryAudit(ctx, q)
	if err != nil {
		return err
	}
	if events == nil {
		events = []auditstore.Event{}
	}
	return c.JSON(http.StatusOK, AuditTrailOutput{Events: events})
}

type RecordUsageRequest struct {
	UserID   string          `json:"userId"`
	Category string          `json:"category"`
	Cost     decimal.Decimal `json:"cost"`
}

func (srv *Server) HandleRecordUsage(c echo.Context) error {
	ctx := c.Request().Context()

	var body RecordUsageRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "InvalidRequest", err)
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return badRequest(c, "InvalidUserID", err)
	}
	sum, err := srv.svc.RecordServiceUsage(ctx, userID, body.Category, body.Cost)
	if errors.Is(err, quota.ErrNegativeCost) || errors.Is(err, quota.ErrCostTooLarge) {
		return badRequest(c, "InvalidCost", err)
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (srv *Server) HandleUsageSummary(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		return badRequest(c, "InvalidUserID", err)
	}
	sum, err := srv.svc.UsageSummary(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

type OverLimitOutput struct {
	OverLimit bool `json:"overLimit"`
}

func (srv *Server) HandleOverLimit(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		return badRequest(c, "InvalidUserID", err)
	}
	return c.JSON(http.StatusOK, OverLimitOutput{OverLimit: srv.svc.IsOverDailyLimit(ctx, userID)})
}

type CatalogInfo struct {
	Version string         `json:"version"`
	Sets    map[string]int `json:"sets"`
	Topics  []string       `json:"topics"`
}

func catalogInfo(c *catalog.Catalog) CatalogInfo {
	info := CatalogInfo{
		Version: c.Version,
		Sets:    make(map[string]int, len(c.Sets)),
		Topics:  make([]string, 0, len(c.Topics)),
	}
	for name, ts := range c.Sets {
		info.Sets[name] = len(ts.Terms)
	}
	for name := range c.Topics {
		info.Topics = append(info.Topics, name)
	}
	sort.Strings(info.Topics)
	return info
}

func (srv *Server) HandleCatalogInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, catalogInfo(srv.svc.Catalogs.Current()))
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("kidgate-http-internal-error", "err", err)
		errorMessage = "internal error"
	}
	c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "kidgate"})
}
