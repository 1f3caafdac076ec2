package intents

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/intentgate/pkg/models"
)

var intentColumnNames = strings.Split(strings.ReplaceAll(intentColumns, " ", ""), ",")

// setupMockDB creates a Cockroach-dialect store over a mock database.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewSQLStore(db, DialectCockroach, Options{})
}

func TestSQLStore_TryTransition(t *testing.T) {
	tests := []struct {
		name        string
		transition  Transition
		setupMock   func(sqlmock.Sqlmock)
		want        bool
		wantErr     error
		errContains string
	}{
		{
			name:       "claims pending intent",
			transition: Transition{ID: "id-1", From: models.IntentPending, To: models.IntentExecuting},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(
					"UPDATE pending_intents SET status = $1, notes = notes || $2, executing_at = $3 WHERE id = $4 AND status = $5",
				)).
					WithArgs("executing", sqlmock.AnyArg(), sqlmock.AnyArg(), "id-1", "pending").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name:       "lost race",
			transition: Transition{ID: "id-1", From: models.IntentPending, To: models.IntentExecuting},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE pending_intents").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
		{
			name:       "rollback clears executing_at",
			transition: Transition{ID: "id-1", From: models.IntentExecuting, To: models.IntentPending, Note: "boom"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(
					"UPDATE pending_intents SET status = $1, notes = notes || $2, executing_at = NULL WHERE id = $3 AND status = $4",
				)).
					WithArgs("pending", sqlmock.AnyArg(), "id-1", "executing").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name:       "executed sets executed_at",
			transition: Transition{ID: "id-1", From: models.IntentExecuting, To: models.IntentExecuted},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("executed_at = $3 WHERE id = $4 AND status = $5")).
					WithArgs("executed", sqlmock.AnyArg(), sqlmock.AnyArg(), "id-1", "executing").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name:       "invalid edge never reaches the database",
			transition: Transition{ID: "id-1", From: models.IntentFailed, To: models.IntentPending},
			setupMock:  func(mock sqlmock.Sqlmock) {},
			wantErr:    ErrInvalidTransition,
		},
		{
			name:       "database error",
			transition: Transition{ID: "id-1", From: models.IntentPending, To: models.IntentCancelled},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE pending_intents").
					WillReturnError(errors.New("connection refused"))
			},
			errContains: "transition intent id-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			got, err := store.TryTransition(context.Background(), tt.transition)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			case tt.errContains != "":
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("error = %v, want containing %q", err, tt.errContains)
				}
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			case got != tt.want:
				t.Fatalf("TryTransition() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_SweepExpired(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 678901234, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = $3 AND expires_at <= $4")).
		WithArgs("expired", sqlmock.AnyArg(), "pending", timeMatcher{now.Truncate(time.Microsecond)}).
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := store.SweepExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if swept != 3 {
		t.Fatalf("SweepExpired() = %d, want 3", swept)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

type timeMatcher struct {
	want time.Time
}

func (m timeMatcher) Match(v driver.Value) bool {
	got, ok := v.(time.Time)
	return ok && got.Equal(m.want)
}

func TestSQLStore_Get(t *testing.T) {
	_, mock, store := setupMockDB(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	executing := created.Add(time.Second)

	mock.ExpectQuery("FROM pending_intents WHERE id = \\$1").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(intentColumnNames).AddRow(
			"id-1", "s1", "SEND_EMAIL", "email.send", []byte(`{"amount":12345678901234567890,"to":"a@b.com"}`),
			"hash", "send email", "executing", created, created.Add(time.Minute), executing, nil, "",
		))
	mock.ExpectQuery("FROM pending_intents WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(intentColumnNames))

	got, err := store.Get(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.IntentExecuting || got.ActionType != models.ActionSendEmail {
		t.Fatalf("unexpected intent: %+v", got)
	}
	if got.ExecutingAt == nil || !got.ExecutingAt.Equal(executing) || got.ExecutedAt != nil {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
	if got.Arguments["amount"].(interface{ String() string }).String() != "12345678901234567890" {
		t.Fatalf("large integer not preserved: %#v", got.Arguments["amount"])
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_CreateConflictReselects(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM pending_intents").
		WillReturnRows(sqlmock.NewRows(intentColumnNames))
	mock.ExpectExec("INSERT INTO pending_intents .* ON CONFLICT DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM pending_intents").
		WillReturnRows(sqlmock.NewRows(intentColumnNames).AddRow(
			"winner", "s1", "SEND_EMAIL", "email.send", []byte(`{"to":"a@b.com"}`),
			"hash", "send email", "pending", now, now.Add(time.Hour), nil, nil, "",
		))

	got, err := store.Create(context.Background(), emailRequest("s1", "a@b.com"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.ID != "winner" {
		t.Fatalf("Create() returned %s, want the concurrent winner", got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_RebindForSQLite(t *testing.T) {
	store := &SQLStore{dialect: DialectSQLite}
	got := store.q("SELECT 1 WHERE a = $1 AND b = $2 AND c = $12")
	want := "SELECT 1 WHERE a = ?1 AND b = ?2 AND c = ?12"
	if got != want {
		t.Fatalf("q() = %q, want %q", got, want)
	}
	if arg := store.timeArg(time.Date(2025, 1, 2, 3, 4, 5, 6000, time.FixedZone("x", 3600))); arg != "2025-01-02T02:04:05.000006000Z" {
		t.Fatalf("timeArg() = %v", arg)
	}
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)
	for _, src := range []any{want, "2025-01-02T03:04:05.000006000Z", []byte("2025-01-02T03:04:05.000006Z")} {
		var got dbTime
		if err := got.Scan(src); err != nil {
			t.Fatalf("Scan(%v) error = %v", src, err)
		}
		if !got.Valid || !got.Time.Equal(want) {
			t.Fatalf("Scan(%v) = %+v", src, got)
		}
	}
	var null dbTime
	if err := null.Scan(nil); err != nil || null.Valid || null.ptr() != nil {
		t.Fatalf("Scan(nil) = %+v, %v", null, err)
	}
	if err := null.Scan(42); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestSQLStore_CreateReturnsExecutingDuplicate(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM pending_intents\\s+WHERE session_id = \\$1 AND payload_hash = \\$2 AND status IN \\(\\$3, \\$4\\)").
		WithArgs("s1", sqlmock.AnyArg(), "pending", "executing").
		WillReturnRows(sqlmock.NewRows(intentColumnNames).AddRow(
			"in-flight", "s1", "SEND_EMAIL", "email.send", []byte(`{"to":"a@b.com"}`),
			"hash", "send email", "executing", now, now.Add(time.Hour), now, nil, "",
		))

	got, err := store.Create(context.Background(), emailRequest("s1", "a@b.com"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.ID != "in-flight" || got.Status != models.IntentExecuting {
		t.Fatalf("Create() = %s/%s, want the executing intent", got.ID, got.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}
