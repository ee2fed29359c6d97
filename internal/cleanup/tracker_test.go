package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWaitBlocksUntilAllTasksComplete(t *testing.T) {
	tr := New(zap.NewNop())
	var ran [3]bool
	for i := 0; i < 3; i++ {
		i := i
		tr.Track(context.Background(), "t", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			ran[i] = true
			return nil
		})
	}
	errs := tr.Wait(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, [3]bool{true, true, true}, ran)
}

func TestWaitCollectsTaskErrorsWithoutFailing(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Track(context.Background(), "ok", func(ctx context.Context) error { return nil })
	tr.Track(context.Background(), "bad", func(ctx context.Context) error { return errors.New("boom") })
	errs := tr.Wait(context.Background())
	assert.Len(t, errs, 1)
}

func TestWaitRespectsDeadline(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Track(context.Background(), "slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	tr.Wait(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
