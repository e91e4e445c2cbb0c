package middleware

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/pkg/logging"
)

const (
	CodeUnsupportedEncoding = "UNSUPPORTED_CONTENT_ENCODING"
	CodeInvalidEncodedBody  = "INVALID_ENCODED_BODY"
)

var errChainedEncodings = errors.New("chained content encodings are not supported")

// gzipBody closes the decompressing reader together with the original body.
type gzipBody struct {
	*gzip.Reader
	original io.Closer
}

func (b *gzipBody) Close() error {
	return errors.Join(b.Reader.Close(), b.original.Close())
}

// requestEncoding returns the single content coding of the request body.
func requestEncoding(header string) (string, error) {
	codings := strings.Split(header, ",")
	if len(codings) > 1 {
		return "", errChainedEncodings
	}
	return strings.ToLower(strings.TrimSpace(codings[0])), nil
}

// HandleCompression inflates gzip request bodies before they reach the
// GraphQL handler. It has to run before RequestSize so the size limit applies
// to the decompressed document.
func HandleCompression(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			requestLogger := logger.With(logging.WithRequestID(chimw.GetReqID(r.Context())))

			encoding, err := requestEncoding(r.Header.Get("Content-Encoding"))
			if err != nil {
				requestLogger.Debug("Rejected request body encoding", zap.Error(err))
				writeRequestError(w, http.StatusBadRequest, CodeUnsupportedEncoding, err.Error())
				return
			}

			switch encoding {
			case "", "identity":
			case "gzip":
				gzr, err := gzip.NewReader(r.Body)
				if err != nil {
					requestLogger.Debug("Invalid gzip request body", zap.Error(err))
					writeRequestError(w, http.StatusUnprocessableEntity, CodeInvalidEncodedBody, "request body is not valid gzip")
					return
				}
				r.Body = &gzipBody{Reader: gzr, original: r.Body}
				r.ContentLength = -1
				r.Header.Del("Content-Length")
			default:
				requestLogger.Debug("Unsupported request body encoding", zap.String("encoding", encoding))
				writeRequestError(w, http.StatusUnsupportedMediaType, CodeUnsupportedEncoding,
					"content encoding "+encoding+" is not supported, use gzip")
				return
			}

			r.Header.Del("Content-Encoding")
			next.ServeHTTP(w, r)
		})
	}
}
