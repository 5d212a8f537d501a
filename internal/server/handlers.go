package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// evaluate runs a batch synchronously. A missing num_iterations takes the
// default.
func (s *Server) evaluate(c echo.Context) error {
	req := domain.EvaluationRequest{NumIterations: domain.DefaultNumIterations}
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest("the body must be a JSON evaluation request.", err)
	}

	resp, err := s.svc.RunBatch(c.Request().Context(), req)
	if err != nil {
		return classify(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getEvaluation(c echo.Context) error {
	resp, err := s.svc.GetBatch(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return classify(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listBatches(c echo.Context) error {
	batches, err := s.svc.ListBatches(c.Request().Context())
	if err != nil {
		return classify(err)
	}
	if batches == nil {
		batches = []domain.BatchSummary{}
	}
	return c.JSON(http.StatusOK, batches)
}
