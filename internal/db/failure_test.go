package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStorageFailurePropagates(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	db := Wrap(conn)

	diskFull := errors.New("database or disk is full")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "transactions"`).WillReturnError(diskFull)
	mock.ExpectRollback()

	sub := db.Watch()
	defer sub.Close()

	_, err = db.Put(context.Background(), TableTransactions, Row{
		ColUserID: testUser,
		"date":    "2024-03-01",
		"amount":  "1",
	})
	if !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want wrapped disk-full error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
	select {
	case c := <-sub.C:
		t.Errorf("failed write published %+v", c)
	default:
	}
}

func TestCommitFailurePropagates(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	db := Wrap(conn)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "contexts" SET deleted_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err = db.SoftDelete(context.Background(), TableContexts, "ctx-1")
	if err == nil {
		t.Fatal("expected commit error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestReadFailurePropagates(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	db := Wrap(conn)

	corrupt := errors.New("database disk image is malformed")
	mock.ExpectQuery(`SELECT .* FROM "categories"`).WillReturnError(corrupt)

	if _, err := db.ListCategories(context.Background(), testUser, false); !errors.Is(err, corrupt) {
		t.Fatalf("err = %v, want wrapped corruption error", err)
	}
}
