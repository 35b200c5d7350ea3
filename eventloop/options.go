// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"

	"github.com/joeycumines/logiface"
)

const defaultIngressBudget = 1024

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger              *logiface.Logger[logiface.Event]
	onOverload          func(error)
	onPanic             func(PanicError)
	unhandledRejection  func(p *Promise, reason any)
	ingressBudget       int
	microtaskBudget     int
	strictMicrotaskMode bool
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithIngressBudget bounds how many external tasks a single tick executes.
// Tasks beyond the budget stay queued, in order, for the next tick.
func WithIngressBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("eventloop: ingress budget must be positive")
		}
		opts.ingressBudget = n
		return nil
	}}
}

// WithOnOverload registers a callback invoked (on the loop goroutine) with
// [ErrLoopOverloaded] whenever a tick leaves external tasks behind.
func WithOnOverload(fn func(error)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onOverload = fn
		return nil
	}}
}

// WithOnPanic registers a callback receiving every panic recovered from a
// task, timer or microtask. The loop keeps running either way.
func WithOnPanic(fn func(PanicError)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onPanic = fn
		return nil
	}}
}

// WithUnhandledRejection overrides how promise rejections that nobody
// handled are reported. The default logs at warning level.
func WithUnhandledRejection(fn func(p *Promise, reason any)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.unhandledRejection = fn
		return nil
	}}
}

// WithStrictMicrotaskOrdering drains microtasks after every task rather than
// once per queue phase. Enabled by default.
func WithStrictMicrotaskOrdering(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.strictMicrotaskMode = enabled
		return nil
	}}
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		ingressBudget:       defaultIngressBudget,
		microtaskBudget:     defaultIngressBudget,
		strictMicrotaskMode: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
