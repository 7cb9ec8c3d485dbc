package mq

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestErrors_QuoteQueueName(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"declare", &DeclarationError{Host: "localhost:5672", Queue: `a"b`, Err: cause}, `declare queue "a\"b" on localhost:5672: boom`},
		{"publish", &PublishError{Host: "localhost:5672", Queue: "line\nbreak", Err: cause}, `publish to "line\nbreak" on localhost:5672: boom`},
		{"consume", &ConsumeError{Host: "localhost:5672", Queue: "hello", Err: cause}, `consume from "hello" on localhost:5672: boom`},
		{"connection", &ConnectionError{Op: "dial", Host: "localhost:5672", Err: cause}, `connection dial localhost:5672: boom`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("cause should be reachable through Unwrap")
			}
		})
	}
}

func TestErrors_UnwrapCancellation(t *testing.T) {
	err := error(&ConnectionError{Op: "dial", Host: "localhost:5672", Err: context.Canceled})
	if !errors.Is(err, context.Canceled) {
		t.Error("cancellation should be reachable through ConnectionError")
	}
	if strings.Contains((&ConnectionError{Op: "dial"}).Error(), "<nil>") {
		t.Error("missing cause should not print <nil>")
	}
}
