package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "nil", err: nil, wantTransient: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantTransient: true},
		{name: "rate limited", err: errors.New("429 Too Many Requests"), wantTransient: true},
		{name: "bad gateway", err: errors.New("502 Bad Gateway"), wantTransient: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), wantTransient: true},
		{name: "method not found is fatal", err: errors.New("the method trace_block does not exist"), wantTransient: false},
		{name: "invalid params is fatal", err: errors.New("invalid argument 0"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.wantTransient, IsTransient(got))
			if tt.err != nil {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}
}

func TestClassifyKeepsCancellation(t *testing.T) {
	got := classify(context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
	assert.False(t, IsTransient(got))
}

func TestIsTransientWrapped(t *testing.T) {
	inner := classify(errors.New("503 Service Unavailable"))
	wrapped := fmt.Errorf("fetching logs: %w", inner)
	assert.True(t, IsTransient(wrapped))
}
