// Package sylarlogiface adapts a logiface logger to sylar.Logger, so an
// application can route fiber/scheduler/IOManager diagnostics through
// whatever structured-logging backend logiface has been wired to (zerolog,
// zap, logrus, or stumpy) instead of sylar's own minimal TextLogger.
package sylarlogiface

import (
	"github.com/jinkezhen/sylar-go"
	"github.com/joeycumines/logiface"
)

// Adapter implements sylar.Logger on top of a type-erased logiface logger.
type Adapter struct {
	logger *logiface.Logger[logiface.Event]
}

// New wraps l. Use (*logiface.Logger[E]).Logger() to erase a concrete event
// type to logiface.Event before calling this.
func New(l *logiface.Logger[logiface.Event]) *Adapter {
	return &Adapter{logger: l}
}

func (a *Adapter) Debug(msg string, fields ...sylar.Field) { a.log(a.logger.Debug(), msg, fields) }
func (a *Adapter) Info(msg string, fields ...sylar.Field)  { a.log(a.logger.Info(), msg, fields) }
func (a *Adapter) Warn(msg string, fields ...sylar.Field)  { a.log(a.logger.Warning(), msg, fields) }
func (a *Adapter) Error(msg string, fields ...sylar.Field) { a.log(a.logger.Err(), msg, fields) }

func (a *Adapter) log(b *logiface.Builder[logiface.Event], msg string, fields []sylar.Field) {
	for _, f := range fields {
		b = b.Field(f.Key, f.Value)
	}
	b.Log(msg)
}
