package dialog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClass struct {
	BaseUsageClass
	fired int32
}

func (c *countingClass) Refresh(h *Handle, u *Usage, now time.Time) {
	atomic.AddInt32(&c.fired, 1)
}

func TestUsageUniqueness(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	h.mu.Lock()
	defer h.mu.Unlock()

	t.Run("владеющий диалогом usage уникален", func(t *testing.T) {
		_, err := h.addUsage(SessionUsageClass, "", "")
		require.NoError(t, err)

		_, err = h.addUsage(SessionUsageClass, "", "")
		require.Error(t, err)
		derr, ok := err.(*DialogError)
		require.True(t, ok)
		assert.Equal(t, "USAGE_EXISTS", derr.Code)
	})

	t.Run("подписки различаются дискриминантом", func(t *testing.T) {
		_, err := h.addUsage(SubscriberUsageClass, "presence", "")
		require.NoError(t, err)

		_, err = h.addUsage(SubscriberUsageClass, "presence", "7")
		require.NoError(t, err)

		_, err = h.addUsage(SubscriberUsageClass, "presence", "7")
		require.Error(t, err)
	})

	t.Run("разные классы сосуществуют", func(t *testing.T) {
		_, err := h.addUsage(NotifierUsageClass, "presence", "")
		require.NoError(t, err)
	})
}

func TestUsageBorrowInvalidation(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	h.mu.Lock()
	defer h.mu.Unlock()

	u, err := h.addUsage(SubscriberUsageClass, "presence", "")
	require.NoError(t, err)
	// Второй usage удерживает диалог от уничтожения
	_, err = h.addUsage(NotifierUsageClass, "dialog", "")
	require.NoError(t, err)

	ct := &ClientTx{handle: h, method: "SUBSCRIBE"}
	require.NoError(t, u.bind(ct))
	ct.usage = u

	// Привязка эксклюзивна
	other := &ClientTx{handle: h, method: "SUBSCRIBE"}
	err = u.bind(other)
	require.Error(t, err)
	assert.Equal(t, "USAGE_BUSY", err.(*DialogError).Code)

	// Удаление аннулирует заимствованную ссылку
	h.removeUsage(u)
	assert.True(t, u.Removed())
	assert.Nil(t, ct.usage)
	assert.Nil(t, u.Private())
}

func TestUsageRemovalDeferredDuringReport(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	h.mu.Lock()
	defer h.mu.Unlock()

	u, err := h.addUsage(SubscriberUsageClass, "presence", "")
	require.NoError(t, err)

	u.reporting = true
	h.removeUsage(u)
	assert.False(t, u.Removed(), "удаление во время отчёта откладывается")
	assert.True(t, u.removeQueued)

	u.reporting = false
	h.removeUsage(u)
	assert.True(t, u.Removed())
}

func TestFindUsageWildcard(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	h.mu.Lock()
	defer h.mu.Unlock()

	wildcard, err := h.addUsage(SubscriberUsageClass, "", "")
	require.NoError(t, err)
	exact, err := h.addUsage(SubscriberUsageClass, "refer", "3")
	require.NoError(t, err)

	assert.Same(t, exact, h.findUsage(subscriberUsageName, "refer", "3"))
	assert.Same(t, wildcard, h.findUsage(subscriberUsageName, "refer", "9"),
		"без точного совпадения подходит wildcard usage")
	assert.Nil(t, h.findUsage(notifierUsageName, "refer", "3"))
}

func TestScheduleRefreshAtMostOnce(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	probe := &countingClass{BaseUsageClass: BaseUsageClass{ClassName: "probe"}}

	h.mu.Lock()
	u, err := h.addUsage(probe, "", "")
	require.NoError(t, err)
	// Повторное планирование заменяет предыдущий таймер
	h.scheduleRefresh(u, time.Now().Add(30*time.Millisecond))
	h.scheduleRefresh(u, time.Now().Add(50*time.Millisecond))
	h.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&probe.fired))

	h.mu.Lock()
	assert.True(t, u.refreshAt.IsZero(), "точка обновления сброшена после срабатывания")
	h.mu.Unlock()
}

func TestResetRefreshCancelsTimer(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	probe := &countingClass{BaseUsageClass: BaseUsageClass{ClassName: "probe"}}

	h.mu.Lock()
	u, err := h.addUsage(probe, "", "")
	require.NoError(t, err)
	h.scheduleRefresh(u, time.Now().Add(30*time.Millisecond))
	h.resetRefresh(u)
	h.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&probe.fired))
}

func TestHandleDestroyedAfterLastUsage(t *testing.T) {
	s, _, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	h.mu.Lock()
	u, err := h.addUsage(SubscriberUsageClass, "presence", "")
	require.NoError(t, err)
	h.removeUsage(u)
	h.mu.Unlock()

	ev := waitEventKind(t, events, EventShutdown)
	assert.Same(t, h, ev.Handle)

	h.mu.Lock()
	assert.True(t, h.destroyed)
	h.mu.Unlock()

	_, found := s.FindHandle(h.ds.callID, h.ds.localTag, "")
	assert.False(t, found, "уничтоженный Handle снят с индекса")
}

func TestGlareDelayRanges(t *testing.T) {
	for i := 0; i < 50; i++ {
		owner := glareDelay(true)
		assert.GreaterOrEqual(t, owner, 2100*time.Millisecond)
		assert.Less(t, owner, 4*time.Second)

		other := glareDelay(false)
		assert.GreaterOrEqual(t, other, time.Duration(0))
		assert.Less(t, other, 2*time.Second)
	}
}
