package priority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestArbiter_CriticalPreemptsPreemptibleNormal covers testable property 12:
// a CRITICAL request preempts a NORMAL holder that was marked preemptible.
func TestArbiter_CriticalPreemptsPreemptibleNormal(t *testing.T) {
	a := New()
	ctx := context.Background()

	releaseNormal, err := a.Acquire(ctx, Request{ServiceID: "valve-actuator", Level: Normal, Preemptible: true, MaxWait: time.Second})
	require.NoError(t, err)
	defer releaseNormal()

	releaseCritical, err := a.Acquire(ctx, Request{ServiceID: "valve-actuator", Level: Critical, MaxWait: time.Second})
	require.NoError(t, err)
	defer releaseCritical()
}

func TestArbiter_NonPreemptibleHolderBlocksUntilTimeout(t *testing.T) {
	a := New()
	ctx := context.Background()

	release, err := a.Acquire(ctx, Request{ServiceID: "weather-api", Level: Normal, Preemptible: false, MaxWait: time.Second})
	require.NoError(t, err)
	defer release()

	_, err = a.Acquire(ctx, Request{ServiceID: "weather-api", Level: Critical, MaxWait: 20 * time.Millisecond})
	var timeoutErr *ErrArbitrationTimeout
	require.ErrorAs(t, err, &timeoutErr)
}

func TestArbiter_WaiterGrantedOnRelease(t *testing.T) {
	a := New()
	ctx := context.Background()

	release, err := a.Acquire(ctx, Request{ServiceID: "sentiment-analyzer", Level: Normal, MaxWait: time.Second})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var secondErr error
	go func() {
		defer wg.Done()
		second, err := a.Acquire(ctx, Request{ServiceID: "sentiment-analyzer", Level: High, MaxWait: time.Second})
		secondErr = err
		if second != nil {
			second()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()
	assert.NoError(t, secondErr)
}
