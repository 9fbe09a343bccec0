package migration

import (
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	sub, err := Source()
	require.NoError(t, err)

	ups, err := fs.Glob(sub, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(sub, "*.down.sql")
	require.NoError(t, err)
	assert.Len(t, ups, 3)
	assert.Len(t, downs, len(ups))

	source, err := iofs.New(sub, ".")
	require.NoError(t, err)
	first, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestMigrateNonPostgresUsesModels(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, Migrate(db))

	for _, table := range []string{"customers", "networks", "memberships", "activity_events", "usage_reports", "subscriptions"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex(&networkdomain.Membership{}, "ux_memberships_active"))
}
