package msgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

const (
	findChatSQL     = "SELECT id FROM chats WHERE user_a=? OR user_b=? LIMIT 1"
	pairedUserSQL   = "SELECT partner FROM pairs WHERE uid=?"
	insertChatSQL   = "INSERT INTO chats (id, user_a, user_b, create_time) VALUES (?,?,?,?)"
	participantsSQL = "SELECT user_a, user_b FROM chats WHERE id=?"

	listMessagesSQL = "SELECT id, sender_id, kind, text, media_url, caption, sent_at, read_state " +
		"FROM messages WHERE chat_id=? ORDER BY sent_at ASC"
	insertMessageSQL = "INSERT INTO messages (id, chat_id, sender_id, kind, text, media_url, caption, sent_at, read_state) " +
		"VALUES (?,?,?,?,?,?,?,?,0)"
	deleteMessageSQL = "DELETE FROM messages WHERE id=?"
	markReadSQL      = "UPDATE messages SET read_state=1 WHERE chat_id=? AND sender_id<>? AND read_state=0"
)

// messageStore implements `IMessageStore` on mysql.
type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db}
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) FindChat(ctx context.Context, uid string) (string, error) {
	row := s.QueryRowContext(ctx, findChatSQL, uid, uid)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		glog.Errorf("find chat scan err: %v", err)
		return "", err
	}
	return id, nil
}

func (s *messageStore) PairedUser(ctx context.Context, uid string) (string, error) {
	row := s.QueryRowContext(ctx, pairedUserSQL, uid)
	var partner string
	if err := row.Scan(&partner); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		glog.Errorf("paired user scan err: %v", err)
		return "", err
	}
	return partner, nil
}

func (s *messageStore) CreateChat(ctx context.Context, chatID, userA, userB string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertChatSQL, chatID, userA, userB, time.Now())
		return err
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *messageStore) Participants(ctx context.Context, chatID string) (string, string, error) {
	row := s.QueryRowContext(ctx, participantsSQL, chatID)
	var a, b string
	if err := row.Scan(&a, &b); err != nil {
		glog.Errorf("participants scan err: %v", err)
		return "", "", err
	}
	return a, b, nil
}

func (s *messageStore) ListMessages(ctx context.Context, chatID string) ([]*msg.Message, error) {
	rows, err := s.QueryContext(ctx, listMessagesSQL, chatID)
	if err != nil {
		glog.Errorf("list messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*msg.Message
	for rows.Next() {
		var m msg.Message
		var mediaURL, caption sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Kind, &m.Text, &mediaURL, &caption, &m.SentAt, &m.Read); err != nil {
			glog.Errorf("list messages scan err: %v", err)
			return nil, err
		}
		m.MediaURL = mediaURL.String
		m.Caption = caption.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *messageStore) SaveMessage(ctx context.Context, chatID string, m *msg.Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL,
			m.ID, chatID, m.SenderID, string(m.Kind), m.Text, m.MediaURL, m.Caption, m.SentAt)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
		}
		return err
	})
}

func (s *messageStore) DeleteMessage(ctx context.Context, id string) (bool, error) {
	var changed bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, deleteMessageSQL, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		return nil
	}); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *messageStore) MarkRead(ctx context.Context, chatID, readerID string) (int64, error) {
	var changed int64
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, markReadSQL, chatID, readerID)
		if err != nil {
			return err
		}
		changed, _ = res.RowsAffected()
		return nil
	}); err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *messageStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

// IsMissingIndexError reports mysql "can't find FULLTEXT index" and
// friends: the live query cannot be answered until an index exists.
func IsMissingIndexError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		// 1191: can't find FULLTEXT index, 1176: key does not exist.
		return val.Number == 1191 || val.Number == 1176
	}
	return false
}
