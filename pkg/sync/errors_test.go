// pkg/sync/errors_test.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openroll/datasync/pkg/conflict"
	"github.com/openroll/datasync/pkg/load"
	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/typehandler"
)

/*
TestRetryable separates transient failures, which back off and retry,
from data errors that reproduce on every attempt. Wrapping must not hide
the classification.
*/
func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain network error", errors.New("connection reset"), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancellation", context.Canceled, false},
		{"coercion error", &typehandler.CoercionError{Type: model.FieldInt, Value: "x"}, false},
		{"integrity violation", &load.IntegrityError{Table: "t", Cause: errors.New("dup")}, false},
		{"resolution failure", &conflict.ResolutionError{Strategy: "s", Cause: errors.New("x")}, false},
		{"transient load failure", &load.LoadError{Table: "t", Cause: errors.New("io timeout")}, true},
		{
			"wrapped coercion error",
			fmt.Errorf("batch 3: %w", &typehandler.CoercionError{Type: model.FieldInt, Value: "x"}),
			false,
		},
		{
			"wrapped cancellation",
			fmt.Errorf("extract: %w", context.Canceled),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
