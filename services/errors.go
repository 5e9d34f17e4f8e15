package services

import (
	"context"
	"errors"
)

var (
	// ErrSessionFinished is returned when Run is called on a finished session.
	ErrSessionFinished = errors.New("session already finished")
	// ErrOrphanedMultimaskKey marks a multimask key with no member layer behind it.
	ErrOrphanedMultimaskKey = errors.New("multimask key does not match a layer in the layerset")
	// ErrMissingLayerFile aborts a mosaic when a referenced layer has no raster.
	ErrMissingLayerFile = errors.New("no layer file for this layer")
	ErrWrongSessionType = errors.New("wrong session type")
	// ErrSessionExpired marks a session that no longer holds a live lock on its target.
	ErrSessionExpired = errors.New("session lock has expired")
)

// Result is the outcome of a request that can be refused by policy.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func succeed(msg string) Result { return Result{Success: true, Message: msg} }

func refuse(msg string) Result { return Result{Success: false, Message: msg} }

type ctxKey int

const skipLookupKey ctxKey = iota

// WithoutLookupUpdate marks ctx so cascades skip the per-map lookup refresh.
// Bulk jobs use it and refresh once at the end.
func WithoutLookupUpdate(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipLookupKey, true)
}

func lookupUpdateSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(skipLookupKey).(bool)
	return v
}
