// Package api exposes the allocation ledger over HTTP.
//
// Callers authenticate upstream; the node trusts the X-Identity header
// set by the fronting proxy and resolves capabilities against its own
// table.
package api

import (
	"errors"
	"math/big"
	"time"

	"github.com/gofiber/fiber/v2"

	"PolarVest/internal/auth"
	"PolarVest/internal/events"
	"PolarVest/internal/logger"
	"PolarVest/internal/snapshot"
	"PolarVest/internal/vesting"
)

// Server is the HTTP API server.
type Server struct {
	addr     string          // addr is the HTTP listen address
	engine   *vesting.Engine // engine executes ledger operations
	store    vesting.Store   // store backs snapshot export/import
	caps     auth.Provider   // caps gates the snapshot endpoints
	eventLog *events.StoreSink
	app      *fiber.App
}

// New creates a new HTTP API server. eventLog may be nil; GET /events
// then reports the log as unavailable.
func New(addr string, engine *vesting.Engine, store vesting.Store, caps auth.Provider, eventLog *events.StoreSink) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		DisableStartupMessage: true,
	})

	s := &Server{
		addr:     addr,
		engine:   engine,
		store:    store,
		caps:     caps,
		eventLog: eventLog,
		app:      app,
	}

	app.Post("/curves", s.handleSetCurve)
	app.Get("/curves/:cohort", s.handleGetCurve)
	app.Post("/grants", s.handleCreateGrant)
	app.Get("/grants", s.handleListGrants)
	app.Get("/grants/:id", s.handleGetGrant)
	app.Get("/grants/:id/releasable", s.handleReleasable)
	app.Post("/grants/:id/release", s.handleRelease)
	app.Post("/grants/:id/revoke", s.handleRevoke)
	app.Post("/withdraw", s.handleWithdraw)
	app.Get("/reserve", s.handleReserve)
	app.Get("/snapshot", s.handleExportSnapshot)
	app.Post("/snapshot", s.handleImportSnapshot)
	app.Get("/events", s.handleEvents)
	app.Get("/health", s.handleHealth)

	return s
}

// App returns the underlying fiber app, used by tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.app.Listen(s.addr); err != nil {
			logger.Error("http server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// setCurveRequest is the body of POST /curves.
type setCurveRequest struct {
	Cohort     uint32   `json:"cohort"`
	MonthlyBps []uint16 `json:"monthlyBps"`
}

// handleSetCurve handles POST /curves.
func (s *Server) handleSetCurve(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}

	var req setCurveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	err = s.engine.SetCurve(c.Context(), caller, vesting.CohortID(req.Cohort), req.MonthlyBps)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"cohort": req.Cohort})
}

// handleGetCurve handles GET /curves/:cohort.
func (s *Server) handleGetCurve(c *fiber.Ctx) error {
	cohort, err := c.ParamsInt("cohort")
	if err != nil || cohort < 0 {
		return badRequest(c, "invalid cohort")
	}

	curve, err := s.engine.Curve(c.Context(), vesting.CohortID(cohort))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"cohort":     uint32(curve.Cohort),
		"monthlyBps": curve.MonthlyBps,
	})
}

// createGrantRequest is the body of POST /grants.
type createGrantRequest struct {
	Beneficiary string `json:"beneficiary"`
	StartTime   uint64 `json:"startTime"`
	Cohort      uint32 `json:"cohort"`
	AmountTotal string `json:"amountTotal"`
	Revocable   bool   `json:"revocable"`
}

// handleCreateGrant handles POST /grants.
func (s *Server) handleCreateGrant(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}

	var req createGrantRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Beneficiary == "" {
		return badRequest(c, "beneficiary required")
	}

	amount, err := parseAmount(req.AmountTotal)
	if err != nil {
		return respondError(c, vesting.ErrAmountInvalid)
	}

	id, err := s.engine.CreateGrant(c.Context(), caller, req.Beneficiary,
		req.StartTime, vesting.CohortID(req.Cohort), amount, req.Revocable)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"grantId": id.String()})
}

// handleListGrants handles GET /grants?beneficiary=....
func (s *Server) handleListGrants(c *fiber.Ctx) error {
	beneficiary := c.Query("beneficiary")
	if beneficiary == "" {
		return badRequest(c, "beneficiary required")
	}

	ids, err := s.engine.GrantIDs(c.Context(), beneficiary)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	return c.JSON(fiber.Map{"grantIds": out})
}

// handleGetGrant handles GET /grants/:id.
func (s *Server) handleGetGrant(c *fiber.Ctx) error {
	id, ok := grantIDParam(c)
	if !ok {
		return badRequest(c, "invalid grant id")
	}

	grant, err := s.engine.Grant(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(grantView(grant))
}

// handleReleasable handles GET /grants/:id/releasable.
func (s *Server) handleReleasable(c *fiber.Ctx) error {
	id, ok := grantIDParam(c)
	if !ok {
		return badRequest(c, "invalid grant id")
	}

	releasable, err := s.engine.Releasable(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"releasable": releasable.String()})
}

// releaseRequest is the body of POST /grants/:id/release.
type releaseRequest struct {
	Amount string `json:"amount"`
}

// handleRelease handles POST /grants/:id/release.
func (s *Server) handleRelease(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}

	id, ok := grantIDParam(c)
	if !ok {
		return badRequest(c, "invalid grant id")
	}

	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return respondError(c, vesting.ErrAmountInvalid)
	}

	if err := s.engine.Release(c.Context(), caller, id, amount); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"released": amount.String()})
}

// handleRevoke handles POST /grants/:id/revoke.
func (s *Server) handleRevoke(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}

	id, ok := grantIDParam(c)
	if !ok {
		return badRequest(c, "invalid grant id")
	}

	pending, remainder, err := s.engine.Revoke(c.Context(), caller, id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"pendingPaid":       pending.String(),
		"remainderReturned": remainder.String(),
	})
}

// withdrawRequest is the body of POST /withdraw.
type withdrawRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// handleWithdraw handles POST /withdraw.
func (s *Server) handleWithdraw(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}

	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Destination == "" {
		return badRequest(c, "destination required")
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return respondError(c, vesting.ErrAmountInvalid)
	}

	if err := s.engine.Withdraw(c.Context(), caller, req.Destination, amount); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"withdrawn": amount.String()})
}

// handleReserve handles GET /reserve.
func (s *Server) handleReserve(c *fiber.Ctx) error {
	reserve, err := s.engine.WithdrawableReserve(c.Context())
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"withdrawableReserve": reserve.String()})
}

// handleExportSnapshot handles GET /snapshot.
func (s *Server) handleExportSnapshot(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}
	if !s.caps.Has(caller, auth.CapVestingRole) {
		return respondError(c, vesting.ErrNotAuthorized)
	}

	blob, err := snapshot.Export(c.Context(), s.store)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/octet-stream")
	return c.Send(blob)
}

// handleImportSnapshot handles POST /snapshot. The target store should
// be empty; see snapshot.Import.
func (s *Server) handleImportSnapshot(c *fiber.Ctx) error {
	caller, err := callerIdentity(c)
	if err != nil {
		return err
	}
	if !s.caps.Has(caller, auth.CapVestingRole) {
		return respondError(c, vesting.ErrNotAuthorized)
	}

	if err := snapshot.Import(c.Context(), s.store, c.Body()); err != nil {
		return badRequest(c, err.Error())
	}

	logger.Info("snapshot imported", "bytes", len(c.Body()))

	return c.JSON(fiber.Map{"status": "imported"})
}

// handleEvents handles GET /events?after=N&limit=M.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.eventLog == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event log not available"})
	}

	after := uint64(c.QueryInt("after", 0))
	limit := c.QueryInt("limit", 100)

	list, err := s.eventLog.Since(after, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"events": list})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// grantView shapes a grant for JSON responses.
func grantView(grant *vesting.Grant) fiber.Map {
	return fiber.Map{
		"id":          grant.ID.String(),
		"beneficiary": grant.Beneficiary,
		"startTime":   grant.StartTime,
		"cohort":      uint32(grant.Cohort),
		"amountTotal": grant.AmountTotal.String(),
		"released":    grant.Released.String(),
		"revocable":   grant.Revocable,
		"revoked":     grant.Revoked,
	}
}

// respondError maps engine sentinel errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, vesting.ErrNotAuthorized):
		status = fiber.StatusForbidden
	case errors.Is(err, vesting.ErrUnknownGrant),
		errors.Is(err, vesting.ErrUnknownCohort):
		status = fiber.StatusNotFound
	case errors.Is(err, vesting.ErrInvalidStartTimestamp),
		errors.Is(err, vesting.ErrAmountInvalid),
		errors.Is(err, vesting.ErrPercentSumExceeded),
		errors.Is(err, vesting.ErrInvalidCurveShape):
		status = fiber.StatusBadRequest
	case errors.Is(err, vesting.ErrAlreadyFrozen),
		errors.Is(err, vesting.ErrScheduleRevoked),
		errors.Is(err, vesting.ErrNotRevocable),
		errors.Is(err, vesting.ErrInsufficientReserve),
		errors.Is(err, vesting.ErrInsufficientReleasable):
		status = fiber.StatusConflict
	case errors.Is(err, vesting.ErrTransferFailed):
		status = fiber.StatusBadGateway
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// badRequest writes a 400 with the given message.
func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// parseAmount parses a non-empty decimal amount string.
func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("invalid amount")
	}

	return amount, nil
}
