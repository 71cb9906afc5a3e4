package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/model"
)

func fastPolicy() adapter.CallPolicy {
	p := adapter.DefaultCallPolicy()
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 2 * time.Millisecond
	p.Timeout = time.Second
	return p
}

func TestCallRetriesTransientErrors(t *testing.T) {
	calls := 0
	resp, err := adapter.Call(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", goerr.Wrap(model.ErrTransport, "connection reset")
		}
		return "ok", nil
	})
	gt.NoError(t, err)
	gt.Equal(t, resp, "ok")
	gt.Equal(t, calls, 3)
}

func TestCallGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := adapter.Call(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, goerr.Wrap(model.ErrRateLimit, "throttled")
	})
	gt.True(t, errors.Is(err, model.ErrRateLimit))
	gt.Equal(t, calls, 3)
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	_, err := adapter.Call(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, goerr.Wrap(model.ErrAuth, "bad key")
	})
	gt.True(t, errors.Is(err, model.ErrAuth))
	gt.Equal(t, calls, 1)
}

func TestCallAppliesTimeout(t *testing.T) {
	p := fastPolicy()
	p.Timeout = 10 * time.Millisecond
	p.MaxTries = 1

	_, err := adapter.Call(context.Background(), p, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, goerr.Wrap(model.ErrTransport, "timed out", goerr.V("cause", ctx.Err().Error()))
	})
	gt.True(t, errors.Is(err, model.ErrTransport))
}

func TestCallCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.Call(ctx, fastPolicy(), func(ctx context.Context) (int, error) {
		return 0, goerr.Wrap(model.ErrTransport, "unreachable")
	})
	gt.True(t, errors.Is(err, model.ErrTransport))
}
