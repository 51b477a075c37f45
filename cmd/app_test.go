package cmd

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/marcus/spendbook/internal/auth"
	"github.com/marcus/spendbook/internal/db"
)

func TestAppCloseErrorStaysOffStdout(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectClose().WillReturnError(errors.New("disk I/O error"))
	store := db.Wrap(conn)
	a := &app{store: store, auth: auth.NewMachine(auth.NewCache(t.TempDir()), nil, store, auth.Config{})}

	var logs bytes.Buffer
	oldLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(oldLog) })

	oldOut := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	a.close()
	w.Close()
	os.Stdout = oldOut

	var out bytes.Buffer
	out.ReadFrom(r)
	if out.Len() != 0 {
		t.Errorf("close wrote to stdout: %q", out.String())
	}
	if !strings.Contains(logs.String(), "close database") || !strings.Contains(logs.String(), "disk I/O error") {
		t.Errorf("log = %q, want close database warning", logs.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
