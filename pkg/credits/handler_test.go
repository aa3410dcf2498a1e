package credits_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sportsight/reportcredits/pkg/credits"
)

type handlerFixture struct {
	router   chi.Router
	store    *credits.MemoryStore
	provider *mockProvider
	users    *mockUserDirectory
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := credits.NewMemoryStore()
	provider := new(mockProvider)
	users := new(mockUserDirectory)
	catalog := credits.DefaultCatalog()

	service := credits.NewService(store, provider, catalog, users, testBillingConfig)
	reconciler := credits.NewReconciler(store, provider, catalog, users)
	handler := credits.NewHandler(service, reconciler, provider)

	router := chi.NewRouter()
	handler.Routes(router)

	return &handlerFixture{router: router, store: store, provider: provider, users: users}
}

func (f *handlerFixture) do(method, path string, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/billing/subscription", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/billing/subscription", "not-a-uuid", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerGetSubscription(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)
	userID := uuid.New()

	rec := f.do(http.MethodGet, "/billing/subscription", userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plan             string `json:"plan"`
		Status           string `json:"status"`
		RemainingCredits int    `json:"remaining_credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "free", resp.Plan)
	assert.Equal(t, "inactive", resp.Status)
	assert.Zero(t, resp.RemainingCredits)
}

func TestHandlerStartTrial(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)
	userID := uuid.New()

	rec := f.do(http.MethodPost, "/billing/trial", userID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/billing/trial", userID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerStartCheckout(t *testing.T) {
	t.Parallel()

	t.Run("returns the hosted checkout url", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()

		f.users.On("UserByID", mock.Anything, userID).
			Return(&credits.User{ID: userID, Email: "fan@example.com"}, nil)
		f.provider.On("CreateCustomer", mock.Anything, "fan@example.com").
			Return("cus_1", nil)
		f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(&credits.CheckoutSession{URL: "https://pay.example.com/cs_1", SessionRef: "cs_1"}, nil)

		rec := f.do(http.MethodPost, "/billing/checkout", userID.String(),
			map[string]string{"plan_key": "essentials_month"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "https://pay.example.com/cs_1", resp["checkout_url"])
	})

	t.Run("rejects missing plan key", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		rec := f.do(http.MethodPost, "/billing/checkout", uuid.NewString(), map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown plan key", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		rec := f.do(http.MethodPost, "/billing/checkout", uuid.NewString(),
			map[string]string{"plan_key": "platinum_decade"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps provider outage to bad gateway", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()

		f.users.On("UserByID", mock.Anything, userID).
			Return(&credits.User{ID: userID, Email: "fan@example.com"}, nil)
		f.provider.On("CreateCustomer", mock.Anything, mock.Anything).
			Return("", assert.AnError)

		rec := f.do(http.MethodPost, "/billing/checkout", userID.String(),
			map[string]string{"plan_key": "precision_year"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandlerCancel(t *testing.T) {
	t.Parallel()

	t.Run("no local subscription", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		rec := f.do(http.MethodPost, "/billing/cancel", uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no provider subscription", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()
		require.NoError(t, f.store.UpdateSubscription(context.Background(), userID,
			func(*credits.Subscription) error { return nil }))

		rec := f.do(http.MethodPost, "/billing/cancel", userID.String(), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("defaults to cancel at period end", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()
		require.NoError(t, f.store.UpdateSubscription(context.Background(), userID,
			func(sub *credits.Subscription) error {
				sub.ProviderSubscriptionRef = "sub_1"
				return nil
			}))

		f.provider.On("ModifySubscription", mock.Anything, "sub_1", true).Return(nil)

		rec := f.do(http.MethodPost, "/billing/cancel", userID.String(), nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		f.provider.AssertExpectations(t)
	})

	t.Run("immediate cancellation is explicit", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()
		require.NoError(t, f.store.UpdateSubscription(context.Background(), userID,
			func(sub *credits.Subscription) error {
				sub.ProviderSubscriptionRef = "sub_1"
				return nil
			}))

		f.provider.On("CancelSubscription", mock.Anything, "sub_1").Return(nil)

		rec := f.do(http.MethodPost, "/billing/cancel", userID.String(),
			map[string]bool{"at_period_end": false})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		f.provider.AssertExpectations(t)
	})
}

func TestHandlerWebhook(t *testing.T) {
	t.Parallel()

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		f.provider.On("ParseEvent", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, credits.ErrWebhookSignature)

		req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewBufferString("{}"))
		req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("acknowledges unhandled events", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		f.provider.On("ParseEvent", mock.Anything, mock.Anything, mock.Anything).
			Return(&credits.Event{ID: "evt_1", Type: credits.EventUnhandled}, nil)

		rec := f.do(http.MethodPost, "/billing/webhook", "", map[string]string{})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()

		f.users.On("UserByID", mock.Anything, userID).
			Return(&credits.User{ID: userID}, nil)
		f.provider.On("ParseEvent", mock.Anything, mock.Anything, mock.Anything).
			Return(&credits.Event{
				ID:   "evt_2",
				Type: credits.EventCheckoutCompleted,
				Checkout: &credits.CheckoutEvent{
					Mode:            credits.ModeSubscription,
					SubscriptionRef: "sub_1",
					Metadata:        map[string]string{"user_id": userID.String()},
				},
			}, nil)
		f.provider.On("RetrieveSubscription", mock.Anything, "sub_1").
			Return(nil, assert.AnError)

		rec := f.do(http.MethodPost, "/billing/webhook", "", map[string]string{})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("applies a purchase end to end", func(t *testing.T) {
		t.Parallel()

		f := newHandlerFixture(t)
		userID := uuid.New()

		f.users.On("UserByID", mock.Anything, userID).
			Return(&credits.User{ID: userID, Email: "fan@example.com"}, nil)
		f.provider.On("ParseEvent", mock.Anything, mock.Anything, mock.Anything).
			Return(&credits.Event{
				ID:   "evt_3",
				Type: credits.EventCheckoutCompleted,
				Checkout: &credits.CheckoutEvent{
					Mode:        credits.ModePayment,
					PaymentRef:  "pi_1",
					AmountTotal: 299,
					Metadata:    map[string]string{"user_id": userID.String()},
				},
			}, nil)

		rec := f.do(http.MethodPost, "/billing/webhook", "", map[string]string{})
		require.Equal(t, http.StatusOK, rec.Code)

		purchases, err := f.store.ListPurchases(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, purchases, 1)
	})
}

func TestHandlerLandingPages(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/billing/success", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/billing/cancelled", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
