package model

import (
	"context"
	"errors"
)

// RequestContext identifies the authenticated caller of one request. The
// engine never reads it: handlers pass the subject explicitly as the acting
// user.
type RequestContext struct {
	SubjectID     string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// Validate rejects a caller without a subject; every engine action needs a
// user to attribute events to.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("token carries no subject")
	}
	return nil
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// Subject returns the acting user of ctx, or "" outside an authenticated
// request.
func Subject(ctx context.Context) string {
	if rc := RequestContextFrom(ctx); rc != nil {
		return rc.SubjectID
	}
	return ""
}
