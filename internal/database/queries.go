package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *DBConn) SetOnline(ctx context.Context, userId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET is_online = $2, last_seen_at = NULL, updated_at = $3 "+
			"WHERE id = $1",
		userId,
		true,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}

	return checkAffected(res)
}

func (db *DBConn) SetOffline(ctx context.Context, userId int, lastSeenAt time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET is_online = $2, last_seen_at = $3, updated_at = $3 "+
			"WHERE id = $1",
		userId,
		false,
		lastSeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set offline: %w", err)
	}

	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func (db *DBConn) GetPresence(ctx context.Context, userId int) (UserPresence, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, is_online, last_seen_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var p UserPresence
	err := row.Scan(
		&p.UserId,
		&p.IsOnline,
		&p.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrAccountNotFound
	}

	return p, err
}

func (db *DBConn) IsParticipant(ctx context.Context, userId int, roomId string) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants p "+
			"JOIN conversations c ON c.id = p.conversation_id "+
			"WHERE c.external_id = $1 AND p.account_id = $2 AND c.is_active",
		roomId,
		userId,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}

	return count > 0, nil
}

func (db *DBConn) ListConversationIds(ctx context.Context, userId int) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT c.external_id FROM conversations c "+
			"JOIN participants p ON c.id = p.conversation_id "+
			"WHERE p.account_id = $1 AND c.is_active "+
			"ORDER BY c.id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
