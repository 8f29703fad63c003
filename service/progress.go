package service

import "context"

// ProgressReporter reports progress of a long-running method call. The
// transport injects an implementation into the request context when the
// caller supplied a progress token; method code retrieves it with
// ProgressFrom and calls Report to emit notifications/progress correlated to
// the current request.
type ProgressReporter interface {
	// Report emits a progress update. total may be zero when the extent of
	// the work is unknown.
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns a context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	if v := ctx.Value(progressKey{}); v != nil {
		if pr, ok := v.(ProgressReporter); ok && pr != nil {
			return pr, true
		}
	}
	return nil, false
}
