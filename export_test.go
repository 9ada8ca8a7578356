package ledger

import "context"

// AppendError exposes the unique violation mapping to external tests
func (l *PostgresLog) AppendError(
	ctx context.Context, err error, failed *AppendRequest,
) error {
	return l.appendError(ctx, err, failed)
}
