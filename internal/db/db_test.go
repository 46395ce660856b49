package db

import (
	"context"
	"testing"
)

func TestInitPostgres_NoDSN(t *testing.T) {
	if err := InitPostgres(context.Background(), "", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if Pool != nil {
		t.Fatal("expected pool to stay nil")
	}
}

func TestInitPostgres_BadDSN(t *testing.T) {
	if err := InitPostgres(context.Background(), "host=localhost port=notaport", nil); err == nil {
		t.Fatal("expected parse error")
	}
	if Pool != nil {
		t.Fatal("expected pool to stay nil")
	}
}

func TestClose_NoPool(t *testing.T) {
	Close()
}
