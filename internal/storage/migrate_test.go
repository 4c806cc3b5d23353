package storage

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var migrationName = regexp.MustCompile(`^\d{14}_[a-z0-9_]+\.sql$`)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var all strings.Builder
	for _, e := range entries {
		require.Regexp(t, migrationName, e.Name())
		b, err := fs.ReadFile(migrations, migrationsDir+"/"+e.Name())
		require.NoError(t, err)
		txt := string(b)
		require.Contains(t, txt, "-- +goose Up")
		require.Contains(t, txt, "-- +goose Down")
		all.WriteString(txt)
	}
	for _, idx := range []string{"ride_offers_one_pending", "ride_offers_one_accepted", "ride_offers_order_driver", "orders_one_active_per_customer"} {
		require.Contains(t, all.String(), idx)
	}
}
