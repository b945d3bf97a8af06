package api

import "context"

func contextWithUser(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userKey, id)
}

// userFrom returns the authenticated user id. The requireUser middleware
// guarantees it is set on every /api/v1 request.
func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey).(int64)
	return id
}
