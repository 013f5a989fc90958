package migrate

import (
	"context"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a(id int);\ncreate table b(id int);\n")},
		"0001_a.down.sql": {Data: []byte("drop table b;\ndrop table a;\n")},
		"0002_c.up.sql":   {Data: []byte("create table c(id int);\n")},
		"0002_c.down.sql": {Data: []byte("drop table c;\n")},
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table c(id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at)")).
		WithArgs("0002_c.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := NewManager(db, testFS(), nil).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_c.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table a(id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create table b(id int);")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	applied, err := NewManager(db, testFS(), nil).Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_a.up.sql")
	assert.Empty(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations order by applied_at asc, name asc")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_c.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("drop table c;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("delete from schema_migrations where name = $1")).
		WithArgs("0002_c.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, testFS(), nil).Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0002_c.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err = NewManager(db, testFS(), nil).Down(context.Background())
	require.EqualError(t, err, "no migrations applied")
}

func TestPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))

	pending, err := NewManager(db, testFS(), nil).Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_c.up.sql"}, pending)
}

func TestSeedUsesSeedsTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seeds := fstest.MapFS{"0001_demo.sql": {Data: []byte("insert into claims(id) values ('x');")}}
	expectTables(mock)
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_seeds")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into claims(id) values ('x');")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_seeds(name, applied_at)")).
		WithArgs("0001_demo.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := NewManager(db, nil, seeds).Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_demo.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	src := `-- leading; comment
create table t (v text default 'a;b');
create function f() returns trigger as $$
begin
    perform pg_notify('c', 'x');
    return NEW;
end;
$$ language plpgsql;
select $1;
-- trailing only
`
	stmts := splitStatements(src)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "'a;b'")
	assert.True(t, strings.HasPrefix(stmts[1], "create function"))
	assert.True(t, strings.HasSuffix(stmts[1], "language plpgsql;"))
	assert.Equal(t, "select $1;", stmts[2])
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := strings.TrimSuffix(up.Path, ".up.sql") + ".down.sql"
		_, err := fs.Stat(Migrations(), down)
		assert.NoError(t, err, "missing %s", down)
	}

	body, err := fs.ReadFile(Migrations(), "0002_messages_notify.up.sql")
	require.NoError(t, err)
	stmts := splitStatements(string(body))
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "pg_notify('messages_insert'")

	body, err = fs.ReadFile(Migrations(), "0003_messages_notify_keys.up.sql")
	require.NoError(t, err)
	stmts = splitStatements(string(body))
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "json_build_object('id', NEW.id, 'claim_id', NEW.claim_id)")
	assert.NotContains(t, stmts[0], "row_to_json")

	seeds, err := collectSQL(Seeds(), ".sql")
	require.NoError(t, err)
	assert.NotEmpty(t, seeds)
}
