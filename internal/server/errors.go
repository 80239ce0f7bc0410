package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/service"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// StatusClientClosedRequest is the nginx convention for a request the client
// abandoned.
const StatusClientClosedRequest = 499

var errBadRequest = errors.New("bad request")

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, retrieval.ErrCanceled):
		return StatusClientClosedRequest
	case errors.Is(err, vectorstore.ErrCollectionNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, vectorstore.ErrInvalidArgument),
		errors.Is(err, vectorstore.ErrServerRejected),
		errors.Is(err, vectorstore.ErrSchemaMismatch),
		errors.Is(err, service.ErrInvalidQuery),
		errors.Is(err, ingestion.ErrInvalidDocument),
		errors.Is(err, document.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRerankerUnavailable),
		errors.Is(err, service.ErrLedgerUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, vectorstore.ErrConnectionFailure),
		errors.Is(err, vectorstore.ErrUnauthorized),
		errors.Is(err, embedder.ErrEmbeddingFailed),
		errors.Is(err, reranker.ErrRerankFailed),
		errors.Is(err, reranker.ErrConnectionFailure),
		errors.Is(err, reranker.ErrInvalidResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
