package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func budgetsForTest() Budgets {
	return Budgets{
		TTFB:    50 * time.Millisecond,
		Silence: 100 * time.Millisecond,
		Total:   time.Second,
	}
}

func collectEvents(events ...interfaces.StreamEvent) chan interfaces.StreamEvent {
	ch := make(chan interfaces.StreamEvent, len(events))
	for _, event := range events {
		ch <- event
	}
	return ch
}

func TestComputeBudgetsHalfTotalWins(t *testing.T) {
	cfg := &config.Config{
		ResponseCompletionTimeout: 300_000,
		SilenceTimeoutDefault:     60_000,
	}
	b := ComputeBudgets(cfg)
	assert.Equal(t, 300*time.Second, b.Total)
	// Half the total (150s) beats the 60s floor.
	assert.Equal(t, 150*time.Second, b.Silence)
	// TTFB derives to a quarter of the total.
	assert.Equal(t, 75*time.Second, b.TTFB)
}

func TestComputeBudgetsFloorWins(t *testing.T) {
	cfg := &config.Config{
		ResponseCompletionTimeout: 60_000,
		SilenceTimeoutDefault:     90_000,
	}
	b := ComputeBudgets(cfg)
	assert.Equal(t, 90*time.Second, b.Silence)
}

func TestComputeBudgetsSilenceNeverBelowTTFB(t *testing.T) {
	ttfb := 120_000
	cfg := &config.Config{
		ResponseCompletionTimeout: 100_000,
		SilenceTimeoutDefault:     1_000,
		TTFBTimeout:               &ttfb,
	}
	b := ComputeBudgets(cfg)
	assert.Equal(t, 120*time.Second, b.TTFB)
	assert.GreaterOrEqual(t, b.Silence, b.TTFB)
}

func TestComputeBudgetsSilenceCappedAtThreeTimesTotal(t *testing.T) {
	ttfb := 1_000
	cfg := &config.Config{
		ResponseCompletionTimeout: 10_000,
		SilenceTimeoutDefault:     600_000,
		TTFBTimeout:               &ttfb,
	}
	b := ComputeBudgets(cfg)
	assert.Equal(t, 30*time.Second, b.Silence)
}

func TestControllerCompletesOnFinish(t *testing.T) {
	events := collectEvents(
		interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "hel"},
		interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "lo"},
		interfaces.StreamEvent{Type: interfaces.EventFinish, FinishReason: interfaces.FinishStop},
	)

	var got string
	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(ev interfaces.StreamEvent) error {
		got += ev.Text
		return nil
	})
	require.Nil(t, perr)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, interfaces.FinishStop, result.FinishReason)
	assert.Equal(t, 2, result.Received)
	assert.Equal(t, "hello", got)
	assert.False(t, result.WireClosed)
}

func TestControllerTTFBTimeout(t *testing.T) {
	events := make(chan interfaces.StreamEvent)
	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
	require.NotNil(t, perr)
	assert.Equal(t, StateTTFBTimeout, result.State)
	assert.Equal(t, interfaces.KindGatewayTimeout, perr.Kind)
	assert.Equal(t, "ttfb_timeout", perr.Code)
}

func TestControllerStaleTimeoutWhenIdle(t *testing.T) {
	events := make(chan interfaces.StreamEvent, 1)
	events <- interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "start"}

	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
	require.NotNil(t, perr)
	assert.Equal(t, StateStaleTimeout, result.State)
	assert.Equal(t, "stale_timeout", perr.Code)
	assert.Equal(t, 1, result.Received)
}

func TestControllerSnoozesWhileUIActive(t *testing.T) {
	events := make(chan interfaces.StreamEvent, 4)
	events <- interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "slow"}

	probes := 0
	probe := func(context.Context) (bool, error) {
		probes++
		// Active on the first silence expiry, idle afterwards.
		return probes == 1, nil
	}

	go func() {
		// The finish arrives inside the snoozed window.
		time.Sleep(130 * time.Millisecond)
		events <- interfaces.StreamEvent{Type: interfaces.EventFinish, FinishReason: interfaces.FinishStop}
	}()

	c := NewController(budgetsForTest(), events, probe)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
	require.Nil(t, perr)
	assert.Equal(t, StateCompleted, result.State)
	assert.GreaterOrEqual(t, probes, 1)
}

func TestControllerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan interfaces.StreamEvent)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(ctx, func(interfaces.StreamEvent) error { return nil })
	require.NotNil(t, perr)
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, interfaces.KindClientClosed, perr.Kind)
}

func TestControllerWriteFailureIsClientClosed(t *testing.T) {
	events := collectEvents(interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "x"})
	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error {
		return context.Canceled
	})
	require.NotNil(t, perr)
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, "client_closed_request", perr.Code)
}

func TestControllerChannelCloseBeforeFirstEvent(t *testing.T) {
	events := make(chan interfaces.StreamEvent)
	close(events)

	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
	require.NotNil(t, perr)
	assert.Equal(t, "layer_failed", perr.Code)
	assert.Equal(t, interfaces.KindBadGateway, perr.Kind)
	assert.True(t, result.WireClosed)
}

func TestControllerChannelCloseMidStream(t *testing.T) {
	events := make(chan interfaces.StreamEvent, 1)
	events <- interfaces.StreamEvent{Type: interfaces.EventTextDelta, Text: "partial"}
	close(events)

	c := NewController(budgetsForTest(), events, nil)
	result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
	require.Nil(t, perr)
	assert.Equal(t, StateCompleted, result.State)
	assert.True(t, result.WireClosed)
	assert.Empty(t, result.FinishReason)
}

func TestControllerTransportErrorMapping(t *testing.T) {
	cases := []struct {
		errKind  string
		wantKind interfaces.ErrorKind
		wantCode string
	}{
		{"quota_exceeded", interfaces.KindQuota, "quota_exceeded"},
		{"rate_limit", interfaces.KindRateLimit, "rate_limit"},
		{"transient_dom", interfaces.KindTransientDOM, "dom_read_failed"},
		{"something_else", interfaces.KindBadGateway, "bad_gateway"},
	}
	for _, tc := range cases {
		events := collectEvents(interfaces.StreamEvent{
			Type:    interfaces.EventTransportError,
			ErrKind: tc.errKind,
		})
		c := NewController(budgetsForTest(), events, nil)
		result, perr := c.Run(context.Background(), func(interfaces.StreamEvent) error { return nil })
		require.NotNil(t, perr, tc.errKind)
		assert.Equal(t, StateError, result.State)
		assert.Equal(t, tc.wantKind, perr.Kind, tc.errKind)
		assert.Equal(t, tc.wantCode, perr.Code, tc.errKind)
	}
}
