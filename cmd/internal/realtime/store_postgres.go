// Package realtime contains Pitchroom's presence registry, room relay hub,
// websocket gateway, and conversation/message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - CreateConversation takes a transactional advisory lock on the normalized
//   participant pair, so concurrent first-contact sends converge on one
//   conversation row instead of racing the unique index.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pitchroom").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pitchroom",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindConversationByParticipants looks a conversation up by unordered pair.
func (s *PostgresStore) FindConversationByParticipants(ctx context.Context, userA, userB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	if err := validateParticipants(userA, userB); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, COALESCE(last_message_id, ''), last_message_at, created_at
		   FROM `+conversations+`
		  WHERE pair_key = $1`,
		pairKey(userA, userB),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// CreateConversation creates the conversation for the pair, or returns the
// existing one. An advisory lock on the pair key serializes concurrent
// creators so the unordered pair stays unique without wasted ids.
func (s *PostgresStore) CreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	if err := validateParticipants(userA, userB); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	key := pairKey(userA, userB)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, COALESCE(last_message_id, ''), last_message_at, created_at
		   FROM `+conversations+`
		  WHERE pair_key = $1`,
		key,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, err
		}
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	id := NewMessageID(now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, pair_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, userA, userB, key, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}

	return Conversation{
		ID:           id,
		Participants: [2]string{userA, userB},
		CreatedAt:    now,
	}, nil
}

// CreateMessage inserts a message and bumps the parent conversation's
// last-message reference. Idempotent per message id so sender retries do not
// duplicate rows.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := in.validate(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := in.ID
	if id == "" {
		id = NewMessageID(now)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, in.ConversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, err
	}

	existing, err := scanMessage(tx.QueryRow(ctx, selectMessageSQL(messages)+` WHERE id = $1`, id))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Message{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, err
	}

	var imageURL, imageAlt string
	if in.Image != nil {
		imageURL = in.Image.URL
		imageAlt = in.Image.Alt
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, sender, content, image_url, image_alt, read_by, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, in.ConversationID, in.Sender, in.Content, imageURL, imageAlt, []string{in.Sender}, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_id = $2,
		        last_message_at = $3
		  WHERE id = $1`,
		in.ConversationID, id, now,
	); err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	out := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Content:        in.Content,
		ReadBy:         []string{in.Sender},
		CreatedAt:      now,
	}
	if in.Image != nil {
		img := *in.Image
		out.Image = &img
	}
	return out, nil
}

// AppendReader adds userID to the message's reader set. Append-only and
// idempotent: re-reading never duplicates and never removes entries.
func (s *PostgresStore) AppendReader(ctx context.Context, messageID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(userID) == "" {
		return ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_by = array_append(read_by, $2)
		  WHERE id = $1 AND NOT ($2 = ANY(read_by))`,
		messageID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either already a reader (fine) or the message does not exist.
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+messages+` WHERE id = $1`, messageID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	return err
}

// ListMessages returns the conversation's messages in creation order.
// The insert-time sequence breaks created_at ties deterministically.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrConversationNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, conversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		selectMessageSQL(messages)+`
		  WHERE conversation_id = $1
		  ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- row scanning ----

func selectMessageSQL(messagesTable string) string {
	return `SELECT id, conversation_id, sender, content, image_url, image_alt, read_by, created_at
	   FROM ` + messagesTable
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		imageURL string
		imageAlt string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &imageURL, &imageAlt, &m.ReadBy, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if imageURL != "" {
		m.Image = &Image{URL: imageURL, Alt: imageAlt}
	}
	return m, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		lastAt *time.Time
	)
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessageID, &lastAt, &c.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	if lastAt != nil {
		c.LastMessageAt = *lastAt
	}
	return c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
