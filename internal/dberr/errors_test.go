package dberr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op with profile and cause",
			err:  New(KindTimeout, "lease", "prod", errors.New("waited 30s")),
			want: "lease [prod]: timeout: waited 30s",
		},
		{
			name: "reason",
			err:  New(KindTunnel, "acquire tunnel", "prod", errors.New("bad key")).WithReason(ReasonAuth),
			want: "acquire tunnel [prod]: tunnel error (auth): bad key",
		},
		{
			name: "kind only",
			err:  &Error{Kind: KindBusy},
			want: "session busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindQuery, "execute", "dev", errors.New("syntax error")))

	assert.True(t, errors.Is(err, ErrQuery))
	assert.False(t, errors.Is(err, ErrConnection))
	assert.Equal(t, KindQuery, KindOf(err))
}

func TestIsMatchesReason(t *testing.T) {
	err := New(KindTunnel, "acquire tunnel", "p", nil).WithReason(ReasonUnreachable)

	assert.True(t, errors.Is(err, ErrTunnel))
	assert.True(t, errors.Is(err, ErrTunnel.WithReason(ReasonUnreachable)))
	assert.False(t, errors.Is(err, ErrTunnel.WithReason(ReasonAuth)))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(KindConnection, "execute", "p", cause)

	assert.ErrorIs(t, err, cause)
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, KindUnknown, KindOf(nil))

	assert.Equal(t, KindTimeout, FromContext("lease", "p", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindCancelled, FromContext("lease", "p", context.Canceled).Kind)
}
