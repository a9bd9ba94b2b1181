// v1
// internal/broker/broker_test.go
package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverRetriesUntilHandled(t *testing.T) {
	calls := 0
	var attempts []int
	err := Deliver(context.Background(), func(_ context.Context, payload []byte) error {
		calls++
		assert.Equal(t, "reading", string(payload))
		if calls < 3 {
			return errors.New("record trade: disk full")
		}
		return nil
	}, []byte("reading"), time.Millisecond, func(attempt int, _ error) { attempts = append(attempts, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDeliverGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := Deliver(ctx, func(context.Context, []byte) error {
		return errors.New("record trade: disk full")
	}, nil, 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
