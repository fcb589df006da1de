package api

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"

	feoserrors "feos/pkg/errors"
)

// grpcCodeForKind implements the error translation table of spec §4.8.
func grpcCodeForKind(kind feoserrors.Kind) codes.Code {
	switch kind {
	case feoserrors.KindInvalidArgument:
		return codes.InvalidArgument
	case feoserrors.KindNotFound:
		return codes.NotFound
	case feoserrors.KindAlreadyExists:
		return codes.AlreadyExists
	case feoserrors.KindInvalidState:
		return codes.FailedPrecondition
	case feoserrors.KindBackendRejected:
		return codes.Internal
	case feoserrors.KindSocketTimeout:
		return codes.Unavailable
	case feoserrors.KindGuestAgentUnreachable:
		return codes.Unavailable
	case feoserrors.KindPoolExhausted:
		return codes.ResourceExhausted
	case feoserrors.KindBusy:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// httpStatusForCode maps a grpc status code onto the conventional HTTP
// status used by grpc-gateway style translations.
func httpStatusForCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeAPIError translates err's Kind into an HTTP status and grpc code and
// writes it as the JSON error body.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	kind := feoserrors.KindOf(err)
	code := grpcCodeForKind(kind)

	s.writeJSON(w, httpStatusForCode(code), errorBody{Code: code.String(), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("failed to encode response body")
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Code: codes.InvalidArgument.String(), Message: message})
}
