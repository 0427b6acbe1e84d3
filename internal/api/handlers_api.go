package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/lox/vineyard/internal/analytics"
	"github.com/lox/vineyard/internal/dashboard"
	"github.com/lox/vineyard/internal/ndvi"
	"github.com/lox/vineyard/internal/window"
)

func (s *Server) parseYear(r *http.Request) (int, error) {
	v := r.URL.Query().Get("year")
	if v == "" {
		return s.now().Year(), nil
	}
	year, err := strconv.Atoi(v)
	if err != nil || year < 1900 || year > 9999 {
		return 0, fmt.Errorf("invalid year %q", v)
	}
	return year, nil
}

func (s *Server) parseWindow(r *http.Request) (window.Window, error) {
	period := window.PeriodYTD
	if v := r.URL.Query().Get("period"); v != "" {
		p, err := window.ParsePeriod(v)
		if err != nil {
			return window.Window{}, err
		}
		period = p
	}
	year, err := s.parseYear(r)
	if err != nil {
		return window.Window{}, err
	}
	return window.Window{Period: period, Year: year}, nil
}

// report computes analytics for the request's window, writing the error
// response itself when it returns nil.
func (s *Server) report(w http.ResponseWriter, r *http.Request) *analytics.Analytics {
	win, err := s.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}

	a, err := s.svc.Report(r.Context(), win)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		log.Printf("api: report %s: %v", win, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return a
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if a := s.report(w, r); a != nil {
		writeJSON(w, http.StatusOK, NewAnalyticsView(a))
	}
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	if a := s.report(w, r); a != nil {
		writeJSON(w, http.StatusOK, MonthlySeries(a))
	}
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if a := s.report(w, r); a != nil {
		writeJSON(w, http.StatusOK, BlockRows(a))
	}
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if a := s.report(w, r); a != nil {
		writeJSON(w, http.StatusOK, CostBreakdown(a))
	}
}

func (s *Server) handleAnalyticsRefresh(w http.ResponseWriter, r *http.Request) {
	s.svc.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNDVI(w http.ResponseWriter, r *http.Request) {
	year, err := s.parseYear(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.LatestNDVI(r.Context(), year)
	if err != nil {
		log.Printf("api: latest ndvi %d: %v", year, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewNDVIView(year, s.svc.NDVIConfigured(), s.svc.NDVI(), res))
}

// handleNDVIRefresh starts a run in the background and returns immediately.
// Progress is visible through GET /api/ndvi. The run is bound to the server's
// context, not the request's.
func (s *Server) handleNDVIRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.svc.NDVIConfigured() {
		writeError(w, http.StatusServiceUnavailable, ndvi.ErrNotConfigured.Error())
		return
	}
	year, err := s.parseYear(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	ctx := s.ctx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.svc.RefreshNDVI(ctx, year, force); err != nil && !errors.Is(err, dashboard.ErrSuperseded) {
			log.Printf("api: ndvi refresh %d: %v", year, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "year": year, "force": force})
}
