package authmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// AssessorHeader carries the acting clinician's ID on mutating requests.
const AssessorHeader = "X-Assessor-Id"

type assessorKey struct{}

// Assessor returns middleware that parses the assessor header into the
// request context. A missing header passes through (read endpoints don't
// need one); a malformed one is rejected.
func Assessor() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(AssessorHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, `{"error":"malformed assessor id"}`, http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAssessor(r.Context(), id)))
		})
	}
}

// WithAssessor stores the assessor ID in the context.
func WithAssessor(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, assessorKey{}, id)
}

// AssessorFromContext extracts the assessor ID, if present.
func AssessorFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(assessorKey{}).(uuid.UUID)
	return id, ok
}
