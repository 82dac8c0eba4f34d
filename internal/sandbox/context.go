package sandbox

import "context"

type projectKey struct{}

// WithProject stamps the owning project id on the context so tool handlers
// can address the right sandbox.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, projectID)
}

// ProjectFrom returns the project id stamped by WithProject, or "".
func ProjectFrom(ctx context.Context) string {
	id, _ := ctx.Value(projectKey{}).(string)
	return id
}
