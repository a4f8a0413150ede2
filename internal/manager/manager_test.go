package manager

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/transport"
	"github.com/mways/smsgatewayd/internal/types"
)

type fakeModemStore struct{}

func (s *fakeModemStore) InsertLoadingSms(ctx context.Context, contact, message, simID string) (int64, string, error) {
	return 1, "contact-1", nil
}
func (s *fakeModemStore) UpdateSmsStatus(ctx context.Context, smsID int64, status types.SmsStatus) error {
	return nil
}
func (s *fakeModemStore) BulkInsertModemSms(ctx context.Context, msgs []types.ModemSms) ([]string, error) {
	return nil, nil
}
func (s *fakeModemStore) FindOrCreateSimCard(ctx context.Context, iccid string, imsi, phone *string) error {
	return nil
}

type fakeSimStore struct{}

func (s *fakeSimStore) SimCardExists(ctx context.Context, id string) (bool, error) { return false, nil }
func (s *fakeSimStore) GetSimCardsByIDs(ctx context.Context, ids []string) (map[string]types.SimCard, error) {
	out := make(map[string]types.SimCard, len(ids))
	for _, id := range ids {
		out[id] = types.SimCard{ID: id}
	}
	return out, nil
}
func (s *fakeSimStore) FindOrCreateSimCard(ctx context.Context, iccid string, imsi, phone *string) error {
	return nil
}

// okDialer always hands back a transport that answers "OK" to its first
// 32 reads.
type okDialer struct{}

func (okDialer) Dial(ctx context.Context) (transport.Transport, error) {
	ft := transport.NewFakeTransport()
	for i := 0; i < 32; i++ {
		ft.Feed([]byte("\r\nOK\r\n"))
	}
	return ft, nil
}

// failDialer always fails to dial.
type failDialer struct{}

func (failDialer) Dial(ctx context.Context) (transport.Transport, error) {
	return nil, errors.New("dial refused")
}

func TestInitializeSucceedsWithAtLeastOneDevice(t *testing.T) {
	mgr := New(zap.NewNop(), &fakeModemStore{}, &fakeSimStore{})
	mgr.dialerOverride = map[int]dialerFunc{
		0: func() transport.Dialer { return okDialer{} },
		1: func() transport.Dialer { return failDialer{} },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := mgr.Initialize(ctx, []DeviceConfig{{ComPort: "/dev/ttyUSB0"}, {ComPort: "/dev/ttyUSB1"}}, "SM")
	require.NoError(t, err)
	assert.Len(t, mgr.SimIDs(), 1)
}

func TestInitializeFailsWhenAllDevicesFail(t *testing.T) {
	mgr := New(zap.NewNop(), &fakeModemStore{}, &fakeSimStore{})
	mgr.dialerOverride = map[int]dialerFunc{
		0: func() transport.Dialer { return failDialer{} },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := mgr.Initialize(ctx, []DeviceConfig{{ComPort: "/dev/ttyUSB0"}}, "SM")
	require.Error(t, err)
}

func TestGetModemRoutesBySimID(t *testing.T) {
	mgr := New(zap.NewNop(), &fakeModemStore{}, &fakeSimStore{})
	mgr.dialerOverride = map[int]dialerFunc{
		0: func() transport.Dialer { return okDialer{} },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Initialize(ctx, []DeviceConfig{{ComPort: "/dev/ttyUSB0"}}, "SM"))

	ids := mgr.SimIDs()
	require.Len(t, ids, 1)
	_, ok := mgr.GetModem(ids[0])
	assert.True(t, ok)

	_, ok = mgr.GetModem("no-such-sim")
	assert.False(t, ok)
}

func TestRefreshSimCacheRepublishesCacheEntry(t *testing.T) {
	mgr := New(zap.NewNop(), &fakeModemStore{}, &fakeSimStore{})
	mgr.dialerOverride = map[int]dialerFunc{
		0: func() transport.Dialer { return okDialer{} },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Initialize(ctx, []DeviceConfig{{ComPort: "/dev/ttyUSB0"}}, "SM"))

	ids := mgr.SimIDs()
	require.Len(t, ids, 1)

	card, err := mgr.RefreshSimCache(ctx, ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, card.ID)

	_, err = mgr.RefreshSimCache(ctx, "no-such-sim")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
