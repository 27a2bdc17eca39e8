package main

import (
	"testing"

	"github.com/pgsage/pgsage/internal/config"
)

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"

	if _, err := openDB(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenDBSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = t.TempDir() + "/pgsage.db"

	db, err := openDB(cfg)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("PGSAGE_OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := initTracing(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
}
