package configstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return New(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestActiveEndpoints_MapsArrayColumns(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "application_id", "user_id", "webhook_url", "hmac_secret",
		"contract_addresses", "event_signatures", "chain_ids",
		"is_active", "rate_limit_per_second",
	}).AddRow(
		"ep-1", "app-1", "user-1", "https://example.invalid/hook", "secret",
		"{0xabc,0xdef}", "{Transfer(address,address,uint256)}", "{1,137}",
		true, 5.0,
	)

	mock.ExpectQuery("SELECT (.|\n)*FROM endpoints").WillReturnRows(rows)

	endpoints, err := store.ActiveEndpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	ep := endpoints[0]
	assert.Equal(t, "ep-1", ep.ID)
	assert.Equal(t, []string{"0xabc", "0xdef"}, ep.ContractAddresses)
	assert.Equal(t, []uint32{1, 137}, ep.ChainIDs)
	assert.True(t, ep.IsActive)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveEndpoints_QueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.|\n)*FROM endpoints").WillReturnError(assert.AnError)

	_, err := store.ActiveEndpoints(context.Background())
	require.Error(t, err)
}
