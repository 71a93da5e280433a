package dbclient

import (
	"context"
	_ "embed"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the tables, views and triggers the client needs if
// they don't exist yet.
func (client *DBClient) EnsureSchema(ctx context.Context) error {
	// Without arguments pgx uses the simple protocol, which allows multiple
	// statements in a single call.
	if _, err := client.pool.Exec(ctx, schema); err != nil {
		return utils.MakeError("couldn't apply database schema: %s", err)
	}
	logger.Infof("Database schema is up to date.")
	return nil
}
