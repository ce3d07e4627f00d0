package push

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/partypush/internal/model"
)

func newTestWebPush(t *testing.T, disabler Disabler) *WebPush {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewWebPush(WebPushConfig{VAPIDPublicKey: pub, VAPIDPrivateKey: priv}, disabler, testLogger())
}

// browserSubscription returns a subscription with real client keys so the
// payload can be encrypted.
func browserSubscription(t *testing.T, endpoint string) model.Subscription {
	t.Helper()
	clientPub, _, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return model.Subscription{
		UserID:    "u1",
		Endpoint:  endpoint,
		P256dhKey: clientPub,
		AuthKey:   base64.RawURLEncoding.EncodeToString(auth),
		Enabled:   true,
	}
}

func TestWebPushDoesNotSupportFilters(t *testing.T) {
	p := newTestWebPush(t, nil)
	assert.False(t, p.SupportsFilters())
	assert.NotEmpty(t, p.VAPIDPublicKey())
}

func TestWebPushSendCountsDelivered(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/ep-1", httpmock.NewStringResponder(http.StatusCreated, ""))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/ep-2", httpmock.NewStringResponder(http.StatusCreated, ""))

	p := newTestWebPush(t, nil)
	outcome, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind: model.TargetUser,
		Subscriptions: []model.Subscription{
			browserSubscription(t, "https://push.test/ep-1"),
			browserSubscription(t, "https://push.test/ep-2"),
		},
	}, model.Payload{Title: "Hi", Body: "Test"})

	require.NoError(t, err)
	assert.Equal(t, 2, outcome.RecipientCount)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestWebPushGoneEndpointIsDisabled(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/live", httpmock.NewStringResponder(http.StatusCreated, ""))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/gone", httpmock.NewStringResponder(http.StatusGone, ""))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/missing", httpmock.NewStringResponder(http.StatusNotFound, ""))

	disabler := &recordingDisabler{}
	p := newTestWebPush(t, disabler)
	outcome, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind: model.TargetBroadcast,
		Subscriptions: []model.Subscription{
			browserSubscription(t, "https://push.test/live"),
			browserSubscription(t, "https://push.test/gone"),
			browserSubscription(t, "https://push.test/missing"),
		},
	}, model.Payload{Title: "Hi", Body: "Test"})

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.RecipientCount)
	assert.ElementsMatch(t, []string{"https://push.test/gone", "https://push.test/missing"}, disabler.Disabled())
}

func TestWebPushAuthFailureEverywhereIsFatal(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/ep-1", httpmock.NewStringResponder(http.StatusForbidden, "bad jwt"))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/ep-2", httpmock.NewStringResponder(http.StatusUnauthorized, "bad jwt"))

	p := newTestWebPush(t, nil)
	_, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind: model.TargetUser,
		Subscriptions: []model.Subscription{
			browserSubscription(t, "https://push.test/ep-1"),
			browserSubscription(t, "https://push.test/ep-2"),
		},
	}, model.Payload{Title: "Hi", Body: "Test"})

	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestWebPushAuthFailureOnOneEndpointIsNotFatal(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/stale", httpmock.NewStringResponder(http.StatusForbidden, "vapid mismatch"))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/live", httpmock.NewStringResponder(http.StatusCreated, ""))

	disabler := &recordingDisabler{}
	p := newTestWebPush(t, disabler)
	outcome, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind: model.TargetBroadcast,
		Subscriptions: []model.Subscription{
			browserSubscription(t, "https://push.test/stale"),
			browserSubscription(t, "https://push.test/live"),
		},
	}, model.Payload{Title: "Hi", Body: "Test"})

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.RecipientCount)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
	assert.Empty(t, disabler.Disabled())
}

func TestWebPushAuthFailureWinsOverTransient(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/down", httpmock.NewStringResponder(http.StatusBadGateway, ""))
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/denied", httpmock.NewStringResponder(http.StatusForbidden, "bad jwt"))

	p := newTestWebPush(t, nil)
	_, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind: model.TargetBroadcast,
		Subscriptions: []model.Subscription{
			browserSubscription(t, "https://push.test/down"),
			browserSubscription(t, "https://push.test/denied"),
		},
	}, model.Payload{Title: "Hi", Body: "Test"})

	assert.ErrorIs(t, err, ErrAuth)
}

func TestWebPushAllFailedIsRetryable(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://push.test/ep-1", httpmock.NewStringResponder(http.StatusBadGateway, ""))

	p := newTestWebPush(t, nil)
	_, err := p.Send(context.Background(), model.DeliveryPlan{
		Kind:          model.TargetUser,
		Subscriptions: []model.Subscription{browserSubscription(t, "https://push.test/ep-1")},
	}, model.Payload{Title: "Hi", Body: "Test"})

	assert.ErrorIs(t, err, ErrTransient)
}

func TestWebPushEmptyPlan(t *testing.T) {
	setupHTTPMock(t)

	p := newTestWebPush(t, nil)
	outcome, err := p.Send(context.Background(), model.DeliveryPlan{Kind: model.TargetUser}, model.Payload{Title: "Hi", Body: "Test"})

	require.NoError(t, err)
	assert.Equal(t, 0, outcome.RecipientCount)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
