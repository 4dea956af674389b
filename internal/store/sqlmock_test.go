package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestNew_MigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("disk I/O error"))
	if _, err := New(db); err == nil {
		t.Fatal("expected migrate error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateMessage_RollsBackOnUpdateFailure(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("UPDATE conversations SET updated_at").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := s.CreateMessage(context.Background(), Message{ConversationID: 1, Role: "assistant", Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateMessage_CommitFailure(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("UPDATE conversations SET updated_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	if _, err := s.CreateMessage(context.Background(), Message{ConversationID: 1, Role: "user", Content: "x"}); err == nil {
		t.Fatal("expected commit error")
	}
}

func TestGetConversation_QueryError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("FROM conversations WHERE id = \\? AND user_id = \\?").
		WithArgs(int64(3), int64(9)).
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetConversation(context.Background(), 3, 9)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want a non-ErrNotFound failure", err)
	}
}

func TestSetTraceSession_EmptyIDSkipsWrite(t *testing.T) {
	s, mock := mockStore(t)
	wrote, err := s.SetTraceSession(context.Background(), 1, "")
	if err != nil || wrote {
		t.Errorf("SetTraceSession(\"\") = %v, %v", wrote, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
