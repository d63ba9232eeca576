// internal/warehouse/publisher_test.go
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dh-github-snapshot/internal/model"
)

// MockDB is a mock of the DB interface.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	tx, _ := args.Get(0).(pgx.Tx)
	return tx, args.Error(1)
}

func joinSchema() model.Schema {
	return model.JoinSchema("repo_stargazers", "repo_full_name", "repo_stargazers_url", []string{"login"}, []string{"repo_full_name", "login"})
}

func TestBuildRows(t *testing.T) {
	published := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	table := model.NewTable(joinSchema().Columns)
	table.Append(
		model.Record{"repo_full_name": "alice/corpus", "login": "bob", "repo_stargazers_query_time": "2026-10-01T00:00:00Z"},
		model.Record{"repo_full_name": "alice/corpus", "login": "carol", "repo_stargazers_query_time": "garbled"},
	)

	rows, err := buildRows(joinSchema(), table, published)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "repo_stargazers", rows[0][0])
	assert.Equal(t, "alice/corpus/bob", rows[0][1])
	qt, ok := rows[0][2].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, qt)
	assert.True(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC).Equal(*qt))
	assert.Nil(t, rows[1][2])
	assert.Equal(t, published, rows[0][4])

	var data map[string]string
	require.NoError(t, json.Unmarshal(rows[0][3].([]byte), &data))
	assert.Equal(t, "bob", data["login"])
}

func TestPublisher_BeginFailure(t *testing.T) {
	db := new(MockDB)
	boom := errors.New("connection refused")
	db.On("Begin", mock.Anything).Return(nil, boom).Once()
	p := NewPublisher(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	_, err := p.Publish(context.Background(), joinSchema(), model.NewTable(joinSchema().Columns))

	assert.ErrorIs(t, err, boom)
	db.AssertExpectations(t)
}
