package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mways/smsgatewayd/internal/types"
)

func setup(t *testing.T) *Store {
	t.Helper()
	path := "teststore_" + t.Name() + ".db"
	os.Remove(path)
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.Remove(path)
	})
	return s
}

func TestInsertLoadingSmsThenUpdateStatus(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	smsID, contactID, err := s.InsertLoadingSms(ctx, "+15551234567", "hi", "SM")
	require.NoError(t, err)
	assert.NotZero(t, smsID)
	assert.NotEmpty(t, contactID)

	require.NoError(t, s.UpdateSmsStatus(ctx, smsID, types.StatusRead))

	rows, total, err := s.ListSms(ctx, contactID, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusRead, rows[0].Status)
}

func TestInsertLoadingSmsReusesContactByName(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	_, c1, err := s.InsertLoadingSms(ctx, "+15551234567", "hi", "SM")
	require.NoError(t, err)
	_, c2, err := s.InsertLoadingSms(ctx, "+15551234567", "again", "SM")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestBulkInsertModemSmsReturnsDistinctContacts(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	msgs := []types.ModemSms{
		{Contact: "+15551112222", Timestamp: time.Now(), Message: "a", SimID: "SM"},
		{Contact: "+15551112222", Timestamp: time.Now(), Message: "b", SimID: "SM"},
		{Contact: "+15559998888", Timestamp: time.Now(), Message: "c", SimID: "SM"},
	}
	touched, err := s.BulkInsertModemSms(ctx, msgs)
	require.NoError(t, err)
	assert.Len(t, touched, 2)

	_, total, err := s.ListSms(ctx, "", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestMarkContactPageOneReadOnlyAffectsThatContact(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	touchedA, err := s.BulkInsertModemSms(ctx, []types.ModemSms{{Contact: "alice", Timestamp: time.Now(), Message: "x", SimID: "SM"}})
	require.NoError(t, err)
	touchedB, err := s.BulkInsertModemSms(ctx, []types.ModemSms{{Contact: "bob", Timestamp: time.Now(), Message: "y", SimID: "SM"}})
	require.NoError(t, err)

	_, err = s.MarkContactPageOneRead(ctx, touchedA[0], 50)
	require.NoError(t, err)

	rowsA, _, err := s.ListSms(ctx, touchedA[0], 1, 50)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, rowsA[0].Status)

	rowsB, _, err := s.ListSms(ctx, touchedB[0], 1, 50)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnread, rowsB[0].Status)
}

func TestDeleteContactCascadesMessages(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	_, contactID, err := s.InsertLoadingSms(ctx, "+15551234567", "hi", "SM")
	require.NoError(t, err)

	require.NoError(t, s.DeleteContact(ctx, contactID))
	err = s.DeleteContact(ctx, contactID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, total, err := s.ListSms(ctx, contactID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSweepOrphanContactsRemovesMessagelessContacts(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	contact, err := s.CreateContact(ctx, "ghost")
	require.NoError(t, err)

	require.NoError(t, s.SweepOrphanContacts(ctx))

	contacts, err := s.ListContacts(ctx)
	require.NoError(t, err)
	for _, c := range contacts {
		assert.NotEqual(t, contact.ID, c.ID)
	}
}

func TestFindOrCreateSimCardThenExists(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	exists, err := s.SimCardExists(ctx, "89014103211118510720")
	require.NoError(t, err)
	assert.False(t, exists)

	imsi := "310410123456789"
	require.NoError(t, s.FindOrCreateSimCard(ctx, "89014103211118510720", &imsi, nil))

	exists, err = s.SimCardExists(ctx, "89014103211118510720")
	require.NoError(t, err)
	assert.True(t, exists)

	cards, err := s.GetSimCardsByIDs(ctx, []string{"89014103211118510720"})
	require.NoError(t, err)
	require.Contains(t, cards, "89014103211118510720")
	assert.Equal(t, imsi, *cards["89014103211118510720"].Imsi)
}

func TestUpdateSimCardAliasAndPhone(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.FindOrCreateSimCard(ctx, "89014103211118510720", nil, nil))
	require.NoError(t, s.UpdateSimCardAlias(ctx, "89014103211118510720", "Work SIM"))
	require.NoError(t, s.UpdateSimCardPhone(ctx, "89014103211118510720", "+15550001111"))

	cards, err := s.GetSimCardsByIDs(ctx, []string{"89014103211118510720"})
	require.NoError(t, err)
	assert.Equal(t, "Work SIM", *cards["89014103211118510720"].Alias)
	assert.Equal(t, "+15550001111", *cards["89014103211118510720"].PhoneNumber)

	err = s.UpdateSimCardAlias(ctx, "no-such-sim", "x")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMarkContactUnreadFlipsLatestMessage(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	touched, err := s.BulkInsertModemSms(ctx, []types.ModemSms{{Contact: "alice", Timestamp: time.Now(), Message: "hi", SimID: "SM"}})
	require.NoError(t, err)
	require.NoError(t, s.UpdateSmsStatus(ctx, mustLatestSmsID(t, s, touched[0]), types.StatusRead))

	require.NoError(t, s.MarkContactUnread(ctx, touched[0]))

	rows, _, err := s.ListSms(ctx, touched[0], 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, types.StatusUnread, rows[0].Status)

	err = s.MarkContactUnread(ctx, "no-such-contact")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func mustLatestSmsID(t *testing.T, s *Store, contactID string) int64 {
	t.Helper()
	rows, _, err := s.ListSms(context.Background(), contactID, 1, 1)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[0].ID
}

func TestConversationsReflectsLatestMessagePerContact(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	_, err := s.BulkInsertModemSms(ctx, []types.ModemSms{
		{Contact: "alice", Timestamp: time.Now().Add(-time.Minute), Message: "first", SimID: "SM"},
		{Contact: "alice", Timestamp: time.Now(), Message: "second", SimID: "SM"},
	})
	require.NoError(t, err)

	convos, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convos, 1)
	assert.Equal(t, "second", convos[0].Message)
}
