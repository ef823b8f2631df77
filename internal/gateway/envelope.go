package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-viper/mapstructure/v2"
	"github.com/tidwall/gjson"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
)

// MsgInvalidBody is returned when a payload is not a JSON object.
const MsgInvalidBody = "Request body must be a JSON object."

// Handler adapts the gateways to both invocation shapes. A payload carrying a
// top level requestContext is an API Gateway HTTP event and gets an HTTP
// response; anything else is a direct invocation and gets the typed value or
// the error.
type Handler struct {
	submitter *Submitter
	status    *StatusChecker
	logger    *slog.Logger
}

// NewHandler creates a handler. Either gateway may be nil when the process
// only serves the other one.
func NewHandler(submitter *Submitter, status *StatusChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{submitter: submitter, status: status, logger: logger}
}

// IsHTTPEvent reports whether payload is an API Gateway HTTP envelope.
func IsHTTPEvent(payload []byte) bool {
	return gjson.ValidBytes(payload) && gjson.GetBytes(payload, "requestContext").Exists()
}

// Submit handles a submission event.
func (h *Handler) Submit(ctx context.Context, payload json.RawMessage) (any, error) {
	if !IsHTTPEvent(payload) {
		req, err := DecodeJobRequest(payload)
		if err != nil {
			return nil, err
		}
		return h.submitter.Submit(ctx, req)
	}

	_, body, err := decodeEvent(payload)
	if err != nil {
		return errorResponse(err), nil
	}
	req, err := DecodeJobRequest(body)
	if err != nil {
		return errorResponse(err), nil
	}
	handle, err := h.submitter.Submit(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusAccepted, handle), nil
}

// Status handles a status event. In the HTTP shape the job id may come from
// the body, the job_id path parameter or the job_id query parameter.
func (h *Handler) Status(ctx context.Context, payload json.RawMessage) (any, error) {
	if !IsHTTPEvent(payload) {
		req, err := DecodeStatusRequest(payload)
		if err != nil {
			return nil, err
		}
		return h.status.Status(ctx, req)
	}

	event, body, err := decodeEvent(payload)
	if err != nil {
		return errorResponse(err), nil
	}
	req, err := DecodeStatusRequest(body)
	if err != nil {
		return errorResponse(err), nil
	}
	if req.JobID == "" {
		req.JobID = event.PathParameters["job_id"]
	}
	if req.JobID == "" {
		req.JobID = event.QueryStringParameters["job_id"]
	}
	report, err := h.status.Status(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, report), nil
}

// DecodeJobRequest decodes a submission payload. Scalars are weakly typed so
// that "4" and 4 are both accepted for n_cores. An empty payload decodes to
// an empty request.
func DecodeJobRequest(payload []byte) (model.JobRequest, error) {
	var req model.JobRequest
	err := decodePayload(payload, &req)
	return req, err
}

// DecodeStatusRequest decodes a status payload.
func DecodeStatusRequest(payload []byte) (model.StatusRequest, error) {
	var req model.StatusRequest
	err := decodePayload(payload, &req)
	return req, err
}

func decodePayload(payload []byte, target any) error {
	if len(payload) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return apperr.Wrap(apperr.KindClient, "decode", MsgInvalidBody, err)
	}
	// A blank n_cores is absent, not zero.
	if v, ok := fields["n_cores"].(string); ok && strings.TrimSpace(v) == "" {
		delete(fields, "n_cores")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return apperr.Wrap(apperr.KindClient, "decode", MsgInvalidBody, err)
	}
	return nil
}

// decodeEvent unwraps the HTTP envelope and returns the request body, base64
// decoded when flagged.
func decodeEvent(payload []byte) (events.APIGatewayV2HTTPRequest, []byte, error) {
	var event events.APIGatewayV2HTTPRequest
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, nil, apperr.Wrap(apperr.KindClient, "decode", MsgInvalidBody, err)
	}
	body := []byte(event.Body)
	if event.IsBase64Encoded && event.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return event, nil, apperr.Wrap(apperr.KindClient, "decode", MsgInvalidBody, err)
		}
		body = decoded
	}
	return event, body, nil
}

func jsonResponse(status int, v any) events.APIGatewayV2HTTPResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"status":"FAILED","error":"internal error"}`)
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func errorResponse(err error) events.APIGatewayV2HTTPResponse {
	return jsonResponse(HTTPStatus(err), ErrorBody(err))
}
