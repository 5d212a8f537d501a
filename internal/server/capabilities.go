package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm"
)

// capabilityRoutes exposes each model capability as a single call, outside
// any batch. Nothing is persisted.
type capabilityRoutes struct {
	caps llm.Capabilities
}

func (r capabilityRoutes) register(e *echo.Echo) {
	e.POST("/generate_image", r.generateImage)
	e.POST("/rate_quality", r.rateQuality)
	e.POST("/analyze_image_similarity", r.analyzeSimilarity)
	e.POST("/describe", r.describe)
}

func bindImageRequest(c echo.Context, needPrompt, needImage bool) (domain.ImageRequest, []byte, error) {
	var req domain.ImageRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return req, nil, badRequest("the body must be a JSON object.", err)
	}
	img, err := req.Validate(needPrompt, needImage)
	if err != nil {
		return req, nil, badRequest("fix the listed fields and resubmit.", err)
	}
	return req, img, nil
}

func (r capabilityRoutes) generateImage(c echo.Context) error {
	req, _, err := bindImageRequest(c, true, false)
	if err != nil {
		return err
	}
	img, err := r.caps.Generator.Generate(c.Request().Context(), req.Prompt)
	if err != nil {
		return providerError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"image_data": base64.StdEncoding.EncodeToString(img),
	})
}

func (r capabilityRoutes) rateQuality(c echo.Context) error {
	req, img, err := bindImageRequest(c, true, true)
	if err != nil {
		return err
	}
	eval, err := r.caps.Rater.Rate(c.Request().Context(), req.Prompt, img)
	if err != nil {
		return providerError(err)
	}
	return c.JSON(http.StatusOK, eval)
}

func (r capabilityRoutes) analyzeSimilarity(c echo.Context) error {
	req, img, err := bindImageRequest(c, true, true)
	if err != nil {
		return err
	}
	score, err := r.caps.Similarity.ScoreSimilarity(c.Request().Context(), req.Prompt, img)
	if err != nil {
		return providerError(err)
	}
	return c.JSON(http.StatusOK, map[string]float64{"similarity_score": score})
}

func (r capabilityRoutes) describe(c echo.Context) error {
	_, img, err := bindImageRequest(c, false, true)
	if err != nil {
		return err
	}
	caption, err := r.caps.Captioner.Describe(c.Request().Context(), img)
	if err != nil {
		return providerError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"image_description": caption})
}

// providerError reports a failed model call as 502, or as 400 when the
// provider rejected the input itself.
func providerError(err error) *echo.HTTPError {
	if errors.Is(err, domain.ErrValidation) {
		return badRequest("fix the listed fields and resubmit.", err)
	}
	return newErrorMessage(http.StatusBadGateway, ErrorMessage{
		Reason: "provider call failed",
		Advice: "retry later.",
		Cause:  err,
	})
}
