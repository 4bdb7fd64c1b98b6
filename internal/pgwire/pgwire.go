package pgwire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Conn wraps a pgconn.PgConn with replication-specific helpers.
type Conn struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// NewConn creates a Conn wrapper.
func NewConn(conn *pgconn.PgConn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
}

// SetReplicationOrigin configures a replication origin on the connection so
// that writes are tagged with the given origin name, creating the origin
// first if it does not exist. AdvanceOrigin then records replay progress
// against this session origin.
func (c *Conn) SetReplicationOrigin(ctx context.Context, originName string) error {
	// Create the origin if it doesn't exist.
	_, err := c.exec(ctx, fmt.Sprintf(
		"SELECT pg_replication_origin_create('%s') WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = '%s')",
		originName, originName))
	if err != nil {
		return fmt.Errorf("create replication origin: %w", err)
	}

	// Set the session to use this origin.
	_, err = c.exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_session_setup('%s')", originName))
	if err != nil {
		return fmt.Errorf("setup replication origin session: %w", err)
	}

	c.logger.Info().Str("origin", originName).Msg("replication origin configured")
	return nil
}

// AdvanceOrigin marks the session origin's replay position (as set up by
// SetReplicationOrigin) as lsnText, inside the
// session's current transaction, using pg_replication_origin_xact_setup so
// the advance commits atomically with the DML it follows.
func (c *Conn) AdvanceOrigin(ctx context.Context, lsnText string) error {
	_, err := c.exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_xact_setup('%s', now())", lsnText))
	if err != nil {
		return fmt.Errorf("advance replication origin: %w", err)
	}
	return nil
}

// OriginProgress returns originName's last recorded replay LSN as text, or
// "0/0" if the origin has never advanced. The applier calls this once at
// startup to recover its replay position after a restart, since the target
// origin's own bookkeeping is authoritative even if the sentinel's
// replay_lsn lagged behind at the moment of a crash.
func (c *Conn) OriginProgress(ctx context.Context, originName string) (string, error) {
	result := c.conn.ExecParams(ctx,
		"SELECT pg_replication_origin_progress($1, false)",
		[][]byte{[]byte(originName)}, nil, nil, nil)
	rows, err := result.Read()
	if err != nil {
		return "", fmt.Errorf("read replication origin progress: %w", err)
	}
	if len(rows.Rows) == 0 || len(rows.Rows[0]) == 0 {
		return "0/0", nil
	}
	return string(rows.Rows[0][0]), nil
}

func (c *Conn) exec(ctx context.Context, sql string) ([]byte, error) {
	mrr := c.conn.Exec(ctx, sql)
	var result []byte
	for mrr.NextResult() {
		buf := mrr.ResultReader().Read()
		if buf.Err != nil {
			return nil, buf.Err
		}
	}
	return result, mrr.Close()
}
