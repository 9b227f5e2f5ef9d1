package web

import (
	"errors"

	"github.com/arborworks/treeline/pkg/services"
	"github.com/gofiber/fiber/v3"
)

// ErrorBody is the error envelope every non-2xx response carries. The HTTP
// status is derived from Code.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps the envelope under "error".
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func httpStatusForCode(code string) int {
	switch code {
	case services.CodeInvalidRequest:
		return fiber.StatusBadRequest
	case services.CodeAuthRequired:
		return fiber.StatusUnauthorized
	case services.CodeNotFound:
		return fiber.StatusNotFound
	case services.CodeConflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func apiError(c fiber.Ctx, code, message string, details map[string]any) error {
	return c.Status(httpStatusForCode(code)).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func badRequest(c fiber.Ctx, message string) error {
	return apiError(c, services.CodeInvalidRequest, message, nil)
}

func notFound(c fiber.Ctx, message string) error {
	return apiError(c, services.CodeNotFound, message, nil)
}

// handleServiceError maps a service-layer error to the wire envelope.
// Validation failures carry the full batch of problems in details.
func handleServiceError(c fiber.Ctx, err error) error {
	code := services.ErrorCode(err)

	var validationErr *services.ValidationFailedError
	if errors.As(err, &validationErr) {
		return apiError(c, code, validationErr.Error(), map[string]any{
			"errors":   validationErr.Result.Errors,
			"warnings": validationErr.Result.Warnings,
		})
	}

	message := err.Error()
	if code == services.CodeInternalError {
		// Never leak internals to the caller.
		message = "internal error"
	}

	return apiError(c, code, message, nil)
}
