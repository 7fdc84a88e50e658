package build

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists module and component builds to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS module_builds (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    stream TEXT NOT NULL,
    version TEXT NOT NULL,
    context TEXT NOT NULL,
    state TEXT NOT NULL,
    state_reason TEXT,
    failure_type TEXT NOT NULL DEFAULT 'none',
    koji_tag TEXT,
    cg_build_koji_tag TEXT,
    new_repo_task_id BIGINT,
    batch INT NOT NULL DEFAULT 0,
    scratch BOOLEAN NOT NULL DEFAULT FALSE,
    modulemd TEXT,
    arches TEXT,
    conflict_excludes TEXT,
    time_created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    time_modified TIMESTAMPTZ NOT NULL,
    time_completed TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_module_builds_state ON module_builds(state);
CREATE INDEX IF NOT EXISTS idx_module_builds_name_stream ON module_builds(name, stream);
CREATE TABLE IF NOT EXISTS component_builds (
    id TEXT PRIMARY KEY,
    module_id TEXT NOT NULL REFERENCES module_builds(id) ON DELETE CASCADE,
    package TEXT NOT NULL,
    batch INT NOT NULL DEFAULT 0,
    task_id BIGINT,
    state TEXT NOT NULL,
    reason TEXT,
    nvr TEXT,
    ref TEXT,
    reused_component_id TEXT,
    tagged BOOLEAN NOT NULL DEFAULT FALSE,
    tagged_in_final BOOLEAN NOT NULL DEFAULT FALSE,
    build_time_only BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_component_builds_module ON component_builds(module_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_component_builds_module_package ON component_builds(module_id, package);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) CreateBuild(ctx context.Context, mb *ModuleBuild) error {
	if mb.TimeModified.IsZero() {
		mb.TimeModified = time.Now().UTC()
	}
	query := `INSERT INTO module_builds
(id, name, stream, version, context, state, state_reason, failure_type, koji_tag, cg_build_koji_tag, new_repo_task_id, batch, scratch, modulemd, arches, conflict_excludes, time_modified, time_completed)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := s.db.ExecContext(ctx, query,
		mb.ID, mb.Name, mb.Stream, mb.Version, mb.Context,
		mb.State, mb.StateReason, mb.FailureType,
		nullString(mb.KojiTag), nullString(mb.CGBuildKojiTag), nullInt64(mb.NewRepoTaskID),
		mb.Batch, mb.Scratch, nullString(mb.Modulemd),
		nullString(strings.Join(mb.Arches, ",")), nullString(strings.Join(mb.ConflictExcludes, ",")),
		mb.TimeModified, mb.TimeCompleted,
	)
	return err
}

func (s *PostgresStore) SaveBuild(ctx context.Context, mb *ModuleBuild) error {
	query := `UPDATE module_builds SET
state=$2, state_reason=$3, failure_type=$4, koji_tag=$5, cg_build_koji_tag=$6, new_repo_task_id=$7,
batch=$8, modulemd=$9, arches=$10, conflict_excludes=$11, time_modified=$12, time_completed=$13
WHERE id=$1`
	res, err := s.db.ExecContext(ctx, query,
		mb.ID, mb.State, mb.StateReason, mb.FailureType,
		nullString(mb.KojiTag), nullString(mb.CGBuildKojiTag), nullInt64(mb.NewRepoTaskID),
		mb.Batch, nullString(mb.Modulemd),
		nullString(strings.Join(mb.Arches, ",")), nullString(strings.Join(mb.ConflictExcludes, ",")),
		mb.TimeModified, mb.TimeCompleted,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

const buildColumns = `id, name, stream, version, context, state, state_reason, failure_type, koji_tag, cg_build_koji_tag, new_repo_task_id, batch, scratch, modulemd, arches, conflict_excludes, time_modified, time_completed`

func (s *PostgresStore) GetBuild(ctx context.Context, id string) (*ModuleBuild, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM module_builds WHERE id=$1`, id)
	mb, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mb, err
}

func (s *PostgresStore) ListBuilds(ctx context.Context, states ...State) ([]*ModuleBuild, error) {
	query := `SELECT ` + buildColumns + ` FROM module_builds`
	args, clause := stateClause(states, 1)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY time_created ASC"
	return s.queryBuilds(ctx, query, args...)
}

func (s *PostgresStore) ListStaleBuilds(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error) {
	args, clause := stateClause(states, 2)
	query := `SELECT ` + buildColumns + ` FROM module_builds WHERE time_modified < $1`
	if clause != "" {
		query += " AND " + clause
	}
	query += " ORDER BY time_created ASC"
	return s.queryBuilds(ctx, query, append([]any{before}, args...)...)
}

func (s *PostgresStore) ListCompletedBefore(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error) {
	args, clause := stateClause(states, 2)
	query := `SELECT ` + buildColumns + ` FROM module_builds WHERE time_completed IS NOT NULL AND time_completed < $1`
	if clause != "" {
		query += " AND " + clause
	}
	query += " ORDER BY time_created ASC"
	return s.queryBuilds(ctx, query, append([]any{before}, args...)...)
}

func (s *PostgresStore) TouchBuild(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE module_builds SET time_modified=$1 WHERE id=$2`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *PostgresStore) LatestPriorBuild(ctx context.Context, name, stream, excludeID string) (*ModuleBuild, error) {
	query := `SELECT ` + buildColumns + ` FROM module_builds
WHERE name=$1 AND stream=$2 AND id<>$3 AND scratch=FALSE AND state IN ('done','ready')
ORDER BY time_created DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, name, stream, excludeID)
	mb, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mb, err
}

func (s *PostgresStore) CreateComponent(ctx context.Context, cb *ComponentBuild) error {
	// Concurrent redeliveries both pass the caller's existence check; the
	// unique index makes the second insert a no-op.
	query := `INSERT INTO component_builds
(id, module_id, package, batch, task_id, state, reason, nvr, ref, reused_component_id, tagged, tagged_in_final, build_time_only)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (module_id, package) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		cb.ID, cb.ModuleID, cb.Package, cb.Batch, nullInt64(cb.TaskID),
		cb.State, cb.Reason, nullString(cb.NVR), nullString(cb.Ref),
		nullString(cb.ReusedComponentID), cb.Tagged, cb.TaggedInFinal, cb.BuildTimeOnly,
	)
	return err
}

func (s *PostgresStore) SaveComponent(ctx context.Context, cb *ComponentBuild) error {
	query := `UPDATE component_builds SET
batch=$2, task_id=$3, state=$4, reason=$5, nvr=$6, ref=$7, reused_component_id=$8, tagged=$9, tagged_in_final=$10, build_time_only=$11
WHERE id=$1`
	res, err := s.db.ExecContext(ctx, query,
		cb.ID, cb.Batch, nullInt64(cb.TaskID), cb.State, cb.Reason,
		nullString(cb.NVR), nullString(cb.Ref), nullString(cb.ReusedComponentID),
		cb.Tagged, cb.TaggedInFinal, cb.BuildTimeOnly,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

const componentColumns = `id, module_id, package, batch, task_id, state, reason, nvr, ref, reused_component_id, tagged, tagged_in_final, build_time_only`

func (s *PostgresStore) GetComponent(ctx context.Context, id string) (*ComponentBuild, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+componentColumns+` FROM component_builds WHERE id=$1`, id)
	cb, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cb, err
}

func (s *PostgresStore) ComponentsForBuild(ctx context.Context, moduleID string) ([]*ComponentBuild, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+componentColumns+` FROM component_builds WHERE module_id=$1 ORDER BY batch ASC, package ASC`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ComponentBuild
	for rows.Next() {
		cb, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryBuilds(ctx context.Context, query string, args ...any) ([]*ModuleBuild, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ModuleBuild
	for rows.Next() {
		mb, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*ModuleBuild, error) {
	var mb ModuleBuild
	var stateReason, kojiTag, cgTag, modulemd, arches, excludes sql.NullString
	var repoTask sql.NullInt64
	var completed sql.NullTime
	err := row.Scan(&mb.ID, &mb.Name, &mb.Stream, &mb.Version, &mb.Context,
		&mb.State, &stateReason, &mb.FailureType, &kojiTag, &cgTag, &repoTask,
		&mb.Batch, &mb.Scratch, &modulemd, &arches, &excludes,
		&mb.TimeModified, &completed)
	if err != nil {
		return nil, err
	}
	mb.StateReason = stateReason.String
	mb.KojiTag = kojiTag.String
	mb.CGBuildKojiTag = cgTag.String
	mb.Modulemd = modulemd.String
	if arches.String != "" {
		mb.Arches = strings.Split(arches.String, ",")
	}
	if excludes.String != "" {
		mb.ConflictExcludes = strings.Split(excludes.String, ",")
	}
	if repoTask.Valid {
		v := repoTask.Int64
		mb.NewRepoTaskID = &v
	}
	if completed.Valid {
		t := completed.Time
		mb.TimeCompleted = &t
	}
	return &mb, nil
}

func scanComponent(row scanner) (*ComponentBuild, error) {
	var cb ComponentBuild
	var reason, nvr, ref, reused sql.NullString
	var taskID sql.NullInt64
	err := row.Scan(&cb.ID, &cb.ModuleID, &cb.Package, &cb.Batch, &taskID,
		&cb.State, &reason, &nvr, &ref, &reused,
		&cb.Tagged, &cb.TaggedInFinal, &cb.BuildTimeOnly)
	if err != nil {
		return nil, err
	}
	cb.Reason = reason.String
	cb.NVR = nvr.String
	cb.Ref = ref.String
	cb.ReusedComponentID = reused.String
	if taskID.Valid {
		v := taskID.Int64
		cb.TaskID = &v
	}
	return &cb, nil
}

func stateClause(states []State, firstArg int) ([]any, string) {
	if len(states) == 0 {
		return nil, ""
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", firstArg+i)
		args[i] = string(st)
	}
	return args, "state IN (" + strings.Join(placeholders, ",") + ")"
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
