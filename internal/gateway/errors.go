package gateway

import (
	"net/http"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
)

// HTTPStatus maps an error to the status code reported by HTTP surfaces.
func HTTPStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindClient, apperr.KindInvalidSpecification:
		return http.StatusBadRequest
	case apperr.KindDuplicateJob:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON document returned alongside an error status.
func ErrorBody(err error) map[string]any {
	body := map[string]any{
		"status": model.ExecutionFailed,
		"error":  apperr.Message(err),
	}
	if prefix := apperr.ArtifactPrefixOf(err); prefix != "" {
		body["artifact_prefix"] = prefix
	}
	return body
}
