package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/verify"
)

type errorResponse struct {
	Error string `json:"error"`
}

type verifyRequest struct {
	Hash string `json:"hash"`
}

// handleVerify verifies a hash or an uploaded file.
// POST /api/verify  {"hash": "<digest or tx reference>"}
// POST /api/verify  multipart/form-data with field "file"
func (s *Server) handleVerify(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	var (
		res verify.Result
		err error
	)
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxBytes)
		fh, ferr := c.FormFile("file")
		if ferr != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field \"file\" required"})
		}
		f, ferr := fh.Open()
		if ferr != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable upload"})
		}
		defer f.Close()
		res, err = s.verifier.VerifyFile(ctx, f)
	} else {
		var body verifyRequest
		if berr := c.Bind(&body); berr != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		}
		if strings.TrimSpace(body.Hash) == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "hash field required"})
		}
		res, err = s.verifier.VerifyHash(ctx, body.Hash)
	}

	var infra *verify.InfrastructureError
	switch {
	case errors.As(err, &infra):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: infra.Error()})
	case err != nil:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case !res.Matched():
		return c.JSON(http.StatusNotFound, res)
	}
	return c.JSON(http.StatusOK, res)
}

// handleListAnchors pages through anchors, newest first.
// GET /api/anchors?limit=50&offset=0&kind=batch
func (s *Server) handleListAnchors(c echo.Context) error {
	params := anchor.ListParams{
		Kind:   c.QueryParam("kind"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	anchors, err := s.anchors.List(c.Request().Context(), params)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "listing anchors failed"})
	}
	if anchors == nil {
		anchors = []anchor.HashAnchor{}
	}
	return c.JSON(http.StatusOK, anchors)
}

// handleLatestAnchor returns the newest anchor of a kind.
// GET /api/anchors/latest?kind=batch
func (s *Server) handleLatestAnchor(c echo.Context) error {
	kind := c.QueryParam("kind")
	if kind == "" {
		kind = anchor.KindBatch
	}
	a, err := s.anchors.Latest(c.Request().Context(), kind)
	if errors.Is(err, anchor.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no anchors yet"})
	}
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "reading latest anchor failed"})
	}
	return c.JSON(http.StatusOK, a)
}

// handlePending lists pending-commit markers that still need reconciling,
// or every marker with all=true.
// GET /api/anchors/pending
func (s *Server) handlePending(c echo.Context) error {
	var states []anchor.PendingState
	if all, _ := strconv.ParseBool(c.QueryParam("all")); !all {
		states = []anchor.PendingState{anchor.PendingOpen, anchor.PendingCommitted}
	}
	pending, err := s.anchors.ListPending(c.Request().Context(), states...)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "listing pending commits failed"})
	}
	if pending == nil {
		pending = []anchor.PendingCommit{}
	}
	return c.JSON(http.StatusOK, pending)
}

// handleLatestRun returns the last scheduler report seen by this process,
// falling back to the persisted report.
// GET /api/runs/latest
func (s *Server) handleLatestRun(c echo.Context) error {
	s.mu.RLock()
	last := s.lastReport
	s.mu.RUnlock()
	if last != nil {
		return c.JSON(http.StatusOK, last)
	}

	if s.reports != nil {
		rep, err := s.reports.Latest()
		if err == nil {
			return c.JSON(http.StatusOK, rep)
		}
		if !errors.Is(err, anchor.ErrNotFound) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "reading run report failed"})
		}
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "no runs yet"})
}

// handleHealth reports whether the store is reachable.
// GET /health
func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		if err := s.health.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
