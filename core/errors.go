package core

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
)

const (
	CodeBadRequest            = "BAD_REQUEST"
	CodeSupergraphUnavailable = "SUPERGRAPH_UNAVAILABLE"
	CodeInternalServerError   = "INTERNAL_SERVER_ERROR"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"

	extensionCode   = "code"
	contentTypeJSON = "application/json; charset=utf-8"

	errMsgSupergraphNotComposed = "no supergraph has been composed yet, try again later"
)

type HttpError interface {
	error
	// ExtensionCode is the code that should be included in the error extensions
	ExtensionCode() string
	// Message represents a human-readable error message to be sent to the client/user
	Message() string
	// StatusCode is the status code to be sent to the client
	StatusCode() int
}

var _ HttpError = (*httpGraphqlError)(nil)

// httpGraphqlError is an error that can be used to return a custom GraphQL error message and http status code
type httpGraphqlError struct {
	extensionCode string
	message       string
	statusCode    int
}

func NewHttpGraphqlError(message, extensionCode string, statusCode int) HttpError {
	return &httpGraphqlError{
		message:       message,
		extensionCode: extensionCode,
		statusCode:    statusCode,
	}
}

func (e *httpGraphqlError) Error() string {
	return e.message
}

func (e *httpGraphqlError) ExtensionCode() string {
	return e.extensionCode
}

func (e *httpGraphqlError) Message() string {
	return e.message
}

func (e *httpGraphqlError) StatusCode() int {
	return e.statusCode
}

type requestErrorsResponse struct {
	Errors gqlerror.List `json:"errors"`
}

// requestErrorsFromHttpError turns err into the single error of a request error response.
func requestErrorsFromHttpError(err HttpError) gqlerror.List {
	return gqlerror.List{
		{
			Message:    err.Message(),
			Extensions: map[string]interface{}{extensionCode: err.ExtensionCode()},
		},
	}
}

// writeRequestErrors writes a response without data. Request errors are
// raised before execution started, so the data key is omitted entirely.
func writeRequestErrors(w http.ResponseWriter, statusCode int, requestErrors gqlerror.List, requestLogger *zap.Logger) {
	body, err := json.Marshal(requestErrorsResponse{Errors: requestErrors})
	if err != nil {
		requestLogger.Error("Failed to marshal request errors", zap.Error(err))
		statusCode = http.StatusInternalServerError
		body = []byte(`{"errors":[{"message":"internal server error","extensions":{"code":"INTERNAL_SERVER_ERROR"}}]}`)
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		requestLogger.Debug("Failed to write request errors", zap.Error(err))
	}
}

func writeHttpError(w http.ResponseWriter, err HttpError, requestLogger *zap.Logger) {
	writeRequestErrors(w, err.StatusCode(), requestErrorsFromHttpError(err), requestLogger)
}
