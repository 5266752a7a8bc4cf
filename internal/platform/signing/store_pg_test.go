package signing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var credentialCols = []string{"id", "clinic_id", "user_id", "kind", "display_name", "registration", "certificate",
	"not_before", "not_after", "key_material", "key_ref", "status", "created_at"}

func TestPGStore_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .+ FROM signing_credential WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(credentialCols).AddRow(
			id, testClinic, testDoctor, "sealed", "Dr. Carlos Lima", "CRM-SP 654321", []byte{0x30},
			now.Add(-time.Hour), now.Add(time.Hour), []byte("{}"), "", "active", now,
		))

	rec, err := NewPGStore(mock).Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, KindSealed, rec.Kind)
	require.Equal(t, testDoctor, rec.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM signing_credential").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPGStore(mock).Get(context.Background(), id)
	require.ErrorIs(t, err, ErrCredentialNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := &Record{ClinicID: testClinic, UserID: testDoctor, Kind: KindRemote, DisplayName: "x", KeyRef: "hsm-1", Status: StatusActive}
	arg := pgxmock.AnyArg()
	mock.ExpectExec("INSERT INTO signing_credential").
		WithArgs(arg, testClinic, testDoctor, "remote", "x", arg, arg, arg, arg, arg, "hsm-1", arg, arg).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPGStore(mock).Create(context.Background(), rec))
	require.NotEqual(t, uuid.Nil, rec.ID)

	bad := &Record{Kind: "floppy"}
	require.Error(t, NewPGStore(mock).Create(context.Background(), bad))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_SetStatusMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE signing_credential").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = NewPGStore(mock).SetStatus(context.Background(), id, StatusDisabled)
	require.ErrorIs(t, err, ErrCredentialNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
