package engine

import (
	"context"
	"errors"
	"fmt"
)

// invoke runs one handler under the engine's timeout.
//
// The handler runs in its own goroutine so that a handler ignoring its
// context cannot stall the batch: after the timeout the candidate is
// failed and the batch moves on. A panic is recovered and reported as
// ErrCodeHandlerPanic.
func (e *Engine) invoke(ctx context.Context, h Handler, req Request) (Result, error) {
	hctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &RuntimeError{
					Code:     ErrCodeHandlerPanic,
					Message:  fmt.Sprintf("handler panicked: %v", r),
					ActionID: req.Action.ID,
					Resource: req.Resource.String(),
				}}
			}
		}()
		res, err := h.Handle(hctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.res, nil
		}
		var re *RuntimeError
		if errors.As(o.err, &re) {
			return Result{}, o.err
		}
		if errors.Is(o.err, context.DeadlineExceeded) && hctx.Err() != nil {
			return Result{}, e.timeoutError(req)
		}
		return Result{}, &RuntimeError{
			Code:     ErrCodeHandlerFailed,
			Message:  "handler returned an error",
			ActionID: req.Action.ID,
			Resource: req.Resource.String(),
			Err:      o.err,
		}
	case <-hctx.Done():
		return Result{}, e.timeoutError(req)
	}
}

func (e *Engine) timeoutError(req Request) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeHandlerTimeout,
		Message:  fmt.Sprintf("handler exceeded %s", e.handlerTimeout),
		ActionID: req.Action.ID,
		Resource: req.Resource.String(),
	}
}
