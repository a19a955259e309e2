// Package groutine starts named goroutines and guards platform callbacks.
package groutine

import (
	"context"
	"runtime/pprof"

	"github.com/srg/blehealth/internal/device"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a goroutine labelled with name for pprof.
//
//	groutine.Go(ctx, "scan-loop", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// Guard runs fn and converts a panic into a *device.PanicError tagged with
// where. Platform callbacks run through Guard so a fault never escapes into
// the radio stack.
func Guard(where string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &device.PanicError{Where: where, Value: r}
		}
	}()
	fn()
	return nil
}
