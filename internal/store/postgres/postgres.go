// Package postgres backs the store with pgxpool. The optimistic version
// check becomes a conditional UPDATE; zero affected rows means either the
// post vanished or the version moved, and we re-read once to tell the two
// apart.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/store"
	"github.com/keithlinneman/miniblog-server/internal/xerrors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// psql builds queries with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, dsn string, logger log.Logger) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, xerrors.Wrap(err, "migrations")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(err, "open pool")
	}
	logger.Info(ctx, "postgres pool initialized")
	return &Store{pool: pool, logger: logger}, nil
}

// runMigrations uses a throwaway database/sql handle via pgx stdlib; the
// pool itself never sees migration state.
func runMigrations(dsn string) error {
	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return xerrors.Wrap(err, "sql.Open pgx")
	}
	defer sqldb.Close()

	driver, err := migratepg.WithInstance(sqldb, &migratepg.Config{})
	if err != nil {
		return xerrors.Wrap(err, "postgres driver")
	}
	src, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return xerrors.Wrap(err, "iofs source")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return xerrors.Wrap(err, "migrate.New")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return xerrors.Wrap(err, "apply migrations")
	}
	return nil
}

const postColumns = "id, author_id, title, body, status, created_at, updated_at, version"

func scanPost(row pgx.Row) (blog.Post, error) {
	var p blog.Post
	var status string
	err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Body, &status, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err != nil {
		return blog.Post{}, err
	}
	p.Status = blog.PostStatus(status)
	return p, nil
}

func validatePost(title, body string) error {
	if strings.TrimSpace(title) == "" {
		return blog.Validationf("title is empty")
	}
	if strings.TrimSpace(body) == "" {
		return blog.Validationf("body is empty")
	}
	return nil
}

func (s *Store) CreatePost(ctx context.Context, authorID, title, body string) (blog.Post, error) {
	if err := validatePost(title, body); err != nil {
		return blog.Post{}, err
	}
	if authorID == "" {
		return blog.Post{}, blog.Validationf("author id is empty")
	}

	now := time.Now().UTC()
	q, args, err := psql.Insert("posts").
		Columns("id", "author_id", "title", "body", "status", "created_at", "updated_at", "version").
		Values(uuid.New(), authorID, title, body, string(blog.StatusDraft), now, now, 1).
		Suffix("RETURNING " + postColumns).
		ToSql()
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "build insert")
	}

	p, err := scanPost(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "insert post")
	}
	return p, nil
}

func (s *Store) UpdatePost(ctx context.Context, id uuid.UUID, expectedVersion int64, patch store.PostPatch) (blog.Post, error) {
	current, err := s.GetPost(ctx, id)
	if err != nil {
		return blog.Post{}, err
	}

	title, body := current.Title, current.Body
	if patch.Title != nil {
		title = *patch.Title
	}
	if patch.Body != nil {
		body = *patch.Body
	}
	if err := validatePost(title, body); err != nil {
		return blog.Post{}, err
	}

	q, args, err := psql.Update("posts").
		Set("title", title).
		Set("body", body).
		Set("updated_at", time.Now().UTC()).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": id, "version": expectedVersion}).
		Suffix("RETURNING " + postColumns).
		ToSql()
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "build update")
	}

	p, err := scanPost(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the CAS or the row is gone; re-read to classify.
		return blog.Post{}, s.classifyMiss(ctx, id, expectedVersion)
	}
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "update post")
	}
	return p, nil
}

func (s *Store) Publish(ctx context.Context, id uuid.UUID, expectedVersion int64) (blog.Post, error) {
	current, err := s.GetPost(ctx, id)
	if err != nil {
		return blog.Post{}, err
	}
	if current.Version == expectedVersion && current.Status == blog.StatusPublished {
		return blog.Post{}, blog.ErrInvalidTransition
	}

	q, args, err := psql.Update("posts").
		Set("status", string(blog.StatusPublished)).
		Set("updated_at", time.Now().UTC()).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"id":      id,
			"version": expectedVersion,
			"status":  string(blog.StatusDraft),
		}).
		Suffix("RETURNING " + postColumns).
		ToSql()
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "build publish")
	}

	p, err := scanPost(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return blog.Post{}, s.classifyMiss(ctx, id, expectedVersion)
	}
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "publish post")
	}
	return p, nil
}

// classifyMiss decides what a zero-row conditional UPDATE meant.
func (s *Store) classifyMiss(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	p, err := s.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if p.Version != expectedVersion {
		return blog.Conflictf("post %s is at version %d, caller expected %d", id, p.Version, expectedVersion)
	}
	// Version matches but the guarded UPDATE refused: status guard failed.
	return blog.ErrInvalidTransition
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (blog.Post, error) {
	q, args, err := psql.Select(strings.Split(postColumns, ", ")...).
		From("posts").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "build select")
	}

	p, err := scanPost(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return blog.Post{}, blog.NotFoundf("post %s", id)
	}
	if err != nil {
		return blog.Post{}, xerrors.Wrap(err, "get post")
	}
	return p, nil
}

func (s *Store) ListPosts(ctx context.Context, status blog.PostStatus) ([]blog.Post, error) {
	q, args, err := psql.Select(strings.Split(postColumns, ", ")...).
		From("posts").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, xerrors.Wrap(err, "build list")
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, xerrors.Wrap(err, "list posts")
	}
	defer rows.Close()

	var out []blog.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan post")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UserByID(ctx context.Context, id string) (blog.User, error) {
	q, args, err := psql.Select("id", "display_name", "role", "created_at").
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "build select")
	}

	var u blog.User
	var role string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&u.ID, &u.DisplayName, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return blog.User{}, blog.NotFoundf("user %s", id)
	}
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "get user")
	}
	u.Role = blog.Role(role)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u blog.User) (blog.User, error) {
	if u.ID == "" {
		return blog.User{}, blog.Validationf("user id is empty")
	}
	if u.Role == "" {
		u.Role = blog.RoleAuthor
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	// ON CONFLICT DO NOTHING keeps first-login provisioning race-safe across
	// instances; whoever wins, everyone reads back the same row.
	q, args, err := psql.Insert("users").
		Columns("id", "display_name", "role", "created_at").
		Values(u.ID, u.DisplayName, string(u.Role), u.CreatedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "build insert")
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return blog.User{}, xerrors.Wrap(err, "insert user")
	}
	return s.UserByID(ctx, u.ID)
}

func (s *Store) SetUserRole(ctx context.Context, id string, role blog.Role) (blog.User, error) {
	q, args, err := psql.Update("users").
		Set("role", string(role)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "build update")
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "update role")
	}
	if tag.RowsAffected() == 0 {
		return blog.User{}, blog.NotFoundf("user %s", id)
	}
	return s.UserByID(ctx, id)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
