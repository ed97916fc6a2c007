package sqlite_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tikoncha/chatwire/internal/chat"
	"github.com/tikoncha/chatwire/internal/sqlite"
)

func newDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMessageRepository_InsertAndList(t *testing.T) {
	ctx := context.Background()
	repo := sqlite.NewMessageRepository(newDB(t))

	require.NoError(t, repo.Insert(ctx, chat.Message{
		ID: "m1", ChatID: "c1", SenderID: "user", Type: "TEXT",
		Text: "hello", ClientID: "client_1", Mine: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, repo.Insert(ctx, chat.Message{
		ID: "m2", ChatID: "c1", SenderID: "assistant", Type: "TEXT",
		Text: "hi!", CreatedAt: time.Now(),
	}))
	require.NoError(t, repo.Insert(ctx, chat.Message{
		ID: "m3", ChatID: "c2", SenderID: "assistant", Type: "TEXT",
		Text: "elsewhere", CreatedAt: time.Now(),
	}))

	msgs, err := repo.List(ctx, "c1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.True(t, msgs[0].Mine)
	require.Equal(t, "client_1", msgs[0].ClientID)
	require.Equal(t, chat.LifecycleConfirmed, msgs[0].Lifecycle)
	require.Equal(t, "m2", msgs[1].ID)
	require.False(t, msgs[1].Mine)

	count, err := repo.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestMessageRepository_ListRespectsLimit(t *testing.T) {
	ctx := context.Background()
	repo := sqlite.NewMessageRepository(newDB(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(ctx, chat.Message{
			ID: fmt.Sprintf("m%d", i), ChatID: "c1", SenderID: "user",
			Type: "TEXT", Text: "x", CreatedAt: time.Now(),
		}))
	}

	msgs, err := repo.List(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}
