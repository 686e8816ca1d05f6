package authz

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tollgatehq/tollgate/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal Guard attached to ctx, or the
// anonymous principal when there is none.
func PrincipalFromContext(ctx context.Context) model.Principal {
	if p, ok := ctx.Value(principalKey).(model.Principal); ok {
		return p
	}
	return model.Anonymous()
}

// Guard returns middleware that authorizes every request against rt before
// calling next, and audits the handler's result afterwards. A panicking
// handler is audited as an error and the panic is re-raised for the
// recoverer further up the chain.
func (p *Pipeline) Guard(rt Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := RequestFromHTTP(r, p.opts.APIKeyHeader)
			principal, err := p.Authorize(r.Context(), req, rt)
			if err != nil {
				WriteDenial(w, err)
				return
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					p.Complete(r.Context(), req, rt, principal, http.StatusInternalServerError)
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(WithPrincipal(r.Context(), principal)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			p.Complete(r.Context(), req, rt, principal, status)
		})
	}
}
