package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToken_CancelOnce(t *testing.T) {
	tok := New()
	assert.False(t, tok.Cancelled())

	tok.Cancel("user request")
	tok.Cancel("second call")

	assert.True(t, tok.Cancelled())
	assert.Equal(t, "user request", tok.Reason())
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestToken_Nil(t *testing.T) {
	var tok *Token
	assert.False(t, tok.Cancelled())
	assert.Nil(t, tok.Done())
	assert.Empty(t, tok.Reason())
	assert.NotPanics(t, func() { tok.Cancel("x") })

	ctx, cancel := tok.WaitContext(context.Background())
	defer cancel()
	assert.NoError(t, ctx.Err())
}

func TestToken_WaitContext(t *testing.T) {
	tok := New()
	ctx, cancel := tok.WaitContext(context.Background())
	defer cancel()

	tok.Cancel("stop")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("wait context should be cancelled by the token")
	}
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)
}

func TestToken_WaitContextParent(t *testing.T) {
	tok := New()
	parent, stop := context.WithCancel(context.Background())
	ctx, cancel := tok.WaitContext(parent)
	defer cancel()

	stop()
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
	assert.False(t, tok.Cancelled())
}
