package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://party.test"

func newTestAgent(t *testing.T, windows *WindowSet) (*Agent, *Tray) {
	t.Helper()
	tray := NewTray()
	a, err := New(origin, tray, windows, DefaultDefaults(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a, tray
}

func TestNewRejectsRelativeOrigin(t *testing.T) {
	_, err := New("/app", NewTray(), NewWindowSet(), DefaultDefaults(), slog.Default())
	assert.Error(t, err)
}

func TestActivationHandOff(t *testing.T) {
	windows := NewWindowSet(origin + "/")
	a, _ := newTestAgent(t, windows)
	ctx := context.Background()

	assert.Equal(t, Idle, a.State())
	assert.ErrorIs(t, a.HandleMessage(ctx, Message{Type: MessageSkipWaiting}), ErrInvalidTransition)

	require.NoError(t, a.Install())
	assert.Equal(t, AwaitingActivation, a.State())
	assert.False(t, windows.Controlled(), "installing must not take over open windows")

	require.NoError(t, a.HandleMessage(ctx, Message{Type: "PING"}))
	assert.Equal(t, AwaitingActivation, a.State())

	require.NoError(t, a.HandleMessage(ctx, Message{Type: MessageSkipWaiting}))
	assert.Equal(t, Active, a.State())
	assert.True(t, windows.Controlled())

	// Repeated skip-waiting is harmless; reinstalling is not allowed.
	require.NoError(t, a.HandleMessage(ctx, Message{Type: MessageSkipWaiting}))
	assert.ErrorIs(t, a.Install(), ErrInvalidTransition)
}

func TestPushRendersNotification(t *testing.T) {
	a, tray := newTestAgent(t, NewWindowSet())

	ev := a.HandlePush(context.Background(), []byte(`{"title":"Cake!","body":"Cake in 5 minutes","tag":"cake","url":"/party/42"}`))
	require.NoError(t, ev.Wait())

	visible := tray.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, "Cake!", visible[0].Notification.Title)
	assert.Equal(t, "Cake in 5 minutes", visible[0].Notification.Body)
	assert.Equal(t, "/party/42", visible[0].Notification.URL)
	assert.Equal(t, Delivered, visible[0].State)
}

func TestPushInvalidJSONShowsDefault(t *testing.T) {
	a, tray := newTestAgent(t, NewWindowSet())

	ev := a.HandlePush(context.Background(), []byte(`{"title": "broken`))
	require.NoError(t, ev.Wait())

	visible := tray.Visible()
	require.Len(t, visible, 1)
	d := DefaultDefaults()
	assert.Equal(t, d.Title, visible[0].Notification.Title)
	assert.Equal(t, d.Body, visible[0].Notification.Body)
}

func TestPushSameTagReplaces(t *testing.T) {
	a, tray := newTestAgent(t, NewWindowSet())
	ctx := context.Background()

	first := a.HandlePush(ctx, []byte(`{"title":"Round 1","body":"Scores are in","tag":"score"}`))
	require.NoError(t, first.Wait())
	second := a.HandlePush(ctx, []byte(`{"title":"Round 2","body":"New scores","tag":"score"}`))
	require.NoError(t, second.Wait())
	other := a.HandlePush(ctx, []byte(`{"title":"Cake","body":"Cake time","tag":"cake"}`))
	require.NoError(t, other.Wait())

	visible := tray.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "Round 2", visible[0].Notification.Title)
	assert.Equal(t, "Cake", visible[1].Notification.Title)

	replaced, ok := tray.Get(1)
	require.True(t, ok)
	assert.Equal(t, Superseded, replaced.State)
}

func TestPushUntaggedDuplicatesReplace(t *testing.T) {
	a, tray := newTestAgent(t, NewWindowSet())
	ctx := context.Background()

	for _, data := range []string{
		`{"title":"Cake","body":"Cake time"}`,
		`{"title":"Cake","body":"Cake time"}`,
		`{"title":"Pinata","body":"Pinata time"}`,
	} {
		require.NoError(t, a.HandlePush(ctx, []byte(data)).Wait())
	}

	visible := tray.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "Cake", visible[0].Notification.Title)
	assert.Equal(t, "Pinata", visible[1].Notification.Title)
}

func TestClickFocusesMatchingWindow(t *testing.T) {
	windows := NewWindowSet(origin+"/lobby", origin+"/party/42/")
	a, tray := newTestAgent(t, windows)
	ctx := context.Background()

	require.NoError(t, a.HandlePush(ctx, []byte(`{"title":"Hi","body":"Test","url":"/party/42"}`)).Wait())
	id := tray.Visible()[0].ID

	require.NoError(t, a.HandleClick(ctx, id).Wait())

	assert.Equal(t, "w2", windows.Focused())
	assert.Equal(t, 2, windows.Len(), "no new window when one matches")
	assert.Empty(t, tray.Visible())
	entry, _ := tray.Get(id)
	assert.Equal(t, Clicked, entry.State)
}

func TestClickOpensWindowWhenNoneMatch(t *testing.T) {
	windows := NewWindowSet(origin + "/lobby")
	a, tray := newTestAgent(t, windows)
	ctx := context.Background()

	require.NoError(t, a.HandlePush(ctx, []byte(`{"title":"Hi","body":"Test","data":{"url":"/gifts"}}`)).Wait())
	require.NoError(t, a.HandleClick(ctx, tray.Visible()[0].ID).Wait())

	assert.Equal(t, 2, windows.Len())
	assert.Equal(t, "w2", windows.Focused())
}

func TestConcurrentClicksOpenOneWindow(t *testing.T) {
	windows := NewWindowSet()
	a, tray := newTestAgent(t, windows)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		data := `{"title":"Hi","body":"Test ` + strconv.Itoa(i) + `","url":"/party"}`
		require.NoError(t, a.HandlePush(ctx, []byte(data)).Wait())
	}
	require.Len(t, tray.Visible(), 5)

	var wg sync.WaitGroup
	for _, e := range tray.Visible() {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, a.HandleClick(ctx, id).Wait())
		}(e.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, windows.Len())
}

func TestClickUnknownNotification(t *testing.T) {
	a, _ := newTestAgent(t, NewWindowSet())
	assert.Error(t, a.HandleClick(context.Background(), 99).Wait())
}

func TestCloseRecordsState(t *testing.T) {
	a, tray := newTestAgent(t, NewWindowSet())
	require.NoError(t, a.HandlePush(context.Background(), []byte(`{"title":"Hi","body":"Test"}`)).Wait())
	id := tray.Visible()[0].ID

	a.HandleClose(id)

	entry, _ := tray.Get(id)
	assert.Equal(t, Closed, entry.State)
	assert.Empty(t, tray.Visible())
}

func TestExtendableEventWaitsForAllWork(t *testing.T) {
	ev := newExtendableEvent(context.Background())
	release := make(chan struct{})
	ev.WaitUntil(func(context.Context) error { return nil })
	ev.WaitUntil(func(context.Context) error {
		<-release
		return errors.New("render failed")
	})
	ev.seal()

	select {
	case <-ev.Done():
		t.Fatal("event settled before pending work finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.ErrorContains(t, ev.Wait(), "render failed")
}

func TestExtendableEventRejectsWorkAfterSeal(t *testing.T) {
	ev := newExtendableEvent(context.Background())
	require.NoError(t, ev.WaitUntil(func(context.Context) error { return nil }))
	ev.seal()

	ran := make(chan struct{}, 1)
	err := ev.WaitUntil(func(context.Context) error {
		ran <- struct{}{}
		return errors.New("too late")
	})
	assert.ErrorIs(t, err, ErrEventSealed)

	require.NoError(t, ev.Wait())
	select {
	case <-ran:
		t.Fatal("work registered after seal was run")
	case <-time.After(20 * time.Millisecond):
	}
}
