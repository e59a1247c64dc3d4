/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres implements the store contract on PostgreSQL. Uniqueness
// violations surface as CONFLICT, missing rows as NOT_FOUND, everything else
// as STORE_ERROR with the driver error preserved in the chain for logging.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgUniqueViolation = "23505"

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock

	nodes      *nodeStore
	services   *serviceStore
	pods       *podStore
	history    *podHistoryStore
	packs      *packStore
	namespaces *namespaceStore
}

// Connect opens the database and verifies connectivity, retrying for a short
// window so the orchestrator survives a store that is still coming up.
// An unreachable store after the retry budget is a fatal startup error.
func Connect(ctx context.Context, dsn string, clk clock.Clock) (*Store, error) {
	var db *sqlx.DB
	err := retry.Do(func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "pgx", dsn)
		return err
	}, retry.Attempts(5), retry.Delay(time.Second), retry.OnRetry(func(n uint, err error) {
		logging.FromContext(ctx).Errorf("connecting to store (attempt %d), %s", n+1, err)
	}))
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreError, err, "store unreachable")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, clock: clk}
	s.nodes = &nodeStore{s}
	s.services = &serviceStore{s}
	s.pods = &podStore{s}
	s.history = &podHistoryStore{s}
	s.packs = &packStore{s}
	s.namespaces = &namespaceStore{s}
	return s, nil
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(errors.CodeStoreError, err, "setting migration dialect")
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return errors.Wrap(errors.CodeStoreError, err, "applying migrations")
	}
	return nil
}

func (s *Store) Nodes() store.NodeStore            { return s.nodes }
func (s *Store) Services() store.ServiceStore      { return s.services }
func (s *Store) Pods() store.PodStore              { return s.pods }
func (s *Store) PodHistory() store.PodHistoryStore { return s.history }
func (s *Store) Packs() store.PackStore            { return s.packs }
func (s *Store) Namespaces() store.NamespaceStore  { return s.namespaces }
func (s *Store) Close() error                      { return s.db.Close() }

// storeErr maps driver errors onto the stable taxonomy.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.CodeNotFound, "%s: not found", op)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.Wrap(errors.CodeConflict, err, "%s: already exists", op)
	}
	return errors.Wrap(errors.CodeStoreError, err, "%s", op)
}
