package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *E
		want []string
	}{
		{
			name: "scope and code",
			err:  New("rategate", CodeRateLimited),
			want: []string{"scope=rategate", "code=rate_limited"},
		},
		{
			name: "message quoted",
			err:  New("stream", CodeNetwork, WithMessage("dial failed")),
			want: []string{"code=network", `message="dial failed"`},
		},
		{
			name: "detail pair",
			err:  New("cache", CodeConflict, WithDetail("order_id", "42")),
			want: []string{`order_id="42"`},
		},
		{
			name: "cause included",
			err:  New("reconcile", CodeReconcile, WithCause(errors.New("boom"))),
			want: []string{`cause="boom"`},
		},
		{
			name: "empty scope falls back",
			err:  New("", CodeInvalid),
			want: []string{"scope=unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, fragment := range tt.want {
				if !strings.Contains(got, fragment) {
					t.Errorf("Error() = %q, missing %q", got, fragment)
				}
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("stream", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause through Unwrap")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New("rategate", CodeRateLimited))
	if !IsCode(err, CodeRateLimited) {
		t.Errorf("IsCode failed to match wrapped envelope")
	}
	if IsCode(errors.New("plain"), CodeRateLimited) {
		t.Errorf("IsCode matched a plain error")
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}
