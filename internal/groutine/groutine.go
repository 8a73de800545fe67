// Package groutine runs goroutines tagged with a pprof name label.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a named goroutine. If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "tm-dispatch", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	go run(parentCtx, name, fn)
}

func run(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	labels := pprof.Labels("goroutine_name", name)
	pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Recover logs a panic raised by the current goroutine instead of crashing the process.
// It must be deferred directly.
func Recover(logger *logrus.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

func logPanic(logger *logrus.Logger, name string, r any) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     r,
		"stack":     string(debug.Stack()),
	}).Error("Recovered from goroutine panic")
}

// Group tracks named goroutines so they can be awaited together.
// A panic in a member goroutine is logged and does not take the process down.
type Group struct {
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewGroup creates a goroutine group that logs panics to logger.
func NewGroup(logger *logrus.Logger) *Group {
	if logger == nil {
		logger = logrus.New()
	}
	return &Group{logger: logger}
}

// Go starts fn as a named member of the group.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		defer Recover(g.logger, name)
		fn(ctx)
	})
}

// Wait blocks until every goroutine started through the group has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
