package systemlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newWriter(t *testing.T) (*Writer, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture(t)
	m := tenant.NewManager(func(string) (*gorm.DB, error) {
		return nil, errors.New("no opener")
	}, testutil.Tenant, nil, testutil.Logger())
	m.Register(testutil.Tenant, f.DB)
	return NewWriter(m, testutil.Logger()), f
}

func TestHandleThroughBus(t *testing.T) {
	w, f := newWriter(t)
	bus := events.NewBus(events.Options{Workers: 1}, testutil.Logger())
	w.Register(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	require.NoError(t, bus.Publish(context.Background(), events.New(events.SystemLogged, testutil.Tenant, events.SystemLogPayload{
		CompanyID:  f.Company.ID,
		ClientID:   f.Client.ID,
		CategoryID: models.LogCategoryGatewayResponse,
		EventID:    models.LogEventGatewayFailure,
		TypeID:     models.LogTypeSandbox,
		Log:        json.RawMessage(`{"error":"declined"}`),
	})))
	bus.Wait()

	rows, err := ForClient(f.Ctx(), f.Client.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.LogEventGatewayFailure, rows[0].EventID)
	assert.JSONEq(t, `{"error":"declined"}`, string(rows[0].Log))
	assert.Zero(t, bus.Failures(Job))
}

func TestHandleRejectsBadInput(t *testing.T) {
	w, f := newWriter(t)
	err := w.Handle(context.Background(), events.Event{Name: events.SystemLogged, Tenant: testutil.Tenant, Payload: 42, At: time.Now()})
	assert.Error(t, err)

	err = w.Handle(context.Background(), events.New(events.SystemLogged, "elsewhere", events.SystemLogPayload{}))
	assert.ErrorIs(t, err, tenant.ErrUnknownTenant)
	assert.Zero(t, f.Count(t, &models.SystemLog{}))
}
