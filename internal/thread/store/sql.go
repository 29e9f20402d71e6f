package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/db/dialect"
	"github.com/loomworks/loom/internal/thread/models"
)

// SQLStore implements Store on SQLite or PostgreSQL. Queries are written
// with ? placeholders and rebound per driver.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pools.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// initSchema creates the tables if they don't exist.
func (s *SQLStore) initSchema() error {
	w := s.writer()

	costType := "REAL"
	if dialect.IsPostgres(w.DriverName()) {
		costType = "DOUBLE PRECISION"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			follow_up_mode TEXT NOT NULL DEFAULT 'interrupt',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			waiting_reason TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT '',
			resume_token TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			permission_mode TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			cost_usd %s NOT NULL DEFAULT 0,
			last_duration_ms BIGINT NOT NULL DEFAULT 0,
			last_result TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, costType),
		`CREATE TABLE IF NOT EXISTS thread_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attachments TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_project_id ON threads(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_id ON thread_messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message_id ON tool_calls(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_thread_id ON tool_calls(thread_id)`,
	}

	for _, stmt := range statements {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Project operations

// CreateProject creates a new project.
func (s *SQLStore) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.FollowUpMode == "" {
		project.FollowUpMode = models.FollowUpInterrupt
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO projects (id, name, follow_up_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.FollowUpMode, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *SQLStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	r := s.reader()
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, name, follow_up_mode, created_at, updated_at
		FROM projects WHERE id = ?
	`), id).Scan(&project.ID, &project.Name, &project.FollowUpMode, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// Thread operations

const threadColumns = `id, project_id, owner_id, title, status, waiting_reason, stage,
	resume_token, model, permission_mode, provider, working_dir,
	cost_usd, last_duration_ms, last_result, completed_at, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*models.Thread, error) {
	thread := &models.Thread{}
	err := row.Scan(
		&thread.ID, &thread.ProjectID, &thread.OwnerID, &thread.Title,
		&thread.Status, &thread.WaitingReason, &thread.Stage,
		&thread.ResumeToken, &thread.Model, &thread.PermissionMode,
		&thread.Provider, &thread.WorkingDir,
		&thread.CostUSD, &thread.LastDurationMS, &thread.LastResult,
		&thread.CompletedAt, &thread.CreatedAt, &thread.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// CreateThread creates a new thread.
func (s *SQLStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.Status == "" {
		thread.Status = models.StatusIdle
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		thread.ID, thread.ProjectID, thread.OwnerID, thread.Title,
		thread.Status, thread.WaitingReason, thread.Stage,
		thread.ResumeToken, thread.Model, thread.PermissionMode,
		thread.Provider, thread.WorkingDir,
		thread.CostUSD, thread.LastDurationMS, thread.LastResult,
		thread.CompletedAt, thread.CreatedAt, thread.UpdatedAt,
	)
	return err
}

// GetThread retrieves a thread by ID.
func (s *SQLStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	r := s.reader()
	thread, err := scanThread(r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+threadColumns+` FROM threads WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// UpdateThread applies a partial update to a thread. Nil fields are skipped.
func (s *SQLStore) UpdateThread(ctx context.Context, id string, update models.ThreadUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(col string, value any) {
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.WaitingReason != nil {
		add("waiting_reason", *update.WaitingReason)
	}
	if update.Stage != nil {
		add("stage", *update.Stage)
	}
	if update.ResumeToken != nil {
		add("resume_token", *update.ResumeToken)
	}
	if update.Model != nil {
		add("model", *update.Model)
	}
	if update.PermissionMode != nil {
		add("permission_mode", *update.PermissionMode)
	}
	if update.Provider != nil {
		add("provider", *update.Provider)
	}
	if update.CostUSD != nil {
		add("cost_usd", *update.CostUSD)
	}
	if update.LastDurationMS != nil {
		add("last_duration_ms", *update.LastDurationMS)
	}
	if update.LastResult != nil {
		add("last_result", *update.LastResult)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.Title != nil {
		add("title", *update.Title)
	}

	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	w := s.writer()
	query := w.Rebind(`UPDATE threads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListThreads returns all threads in a project, newest first.
func (s *SQLStore) ListThreads(ctx context.Context, projectID string) ([]*models.Thread, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+threadColumns+` FROM threads
		WHERE project_id = ? ORDER BY created_at DESC
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, thread)
	}
	return result, rows.Err()
}

// MarkActiveThreadsInterrupted transitions pending/running threads to interrupted.
func (s *SQLStore) MarkActiveThreadsInterrupted(ctx context.Context) (int64, error) {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE threads SET status = ?, updated_at = ?
		WHERE status IN (?, ?)
	`), models.StatusInterrupted, time.Now().UTC(), models.StatusPending, models.StatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Message operations

// InsertMessage creates a new message row.
func (s *SQLStore) InsertMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	if err := message.EncodeAttachments(); err != nil {
		return fmt.Errorf("failed to serialize attachments: %w", err)
	}

	var attachments any
	if len(message.AttachmentsJSON) > 0 {
		attachments = string(message.AttachmentsJSON)
	}

	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO thread_messages (id, thread_id, role, content, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), message.ID, message.ThreadID, message.Role, message.Content, attachments, message.CreatedAt, message.UpdatedAt)
	return err
}

// UpdateMessageContent replaces the content of an existing message.
func (s *SQLStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE thread_messages SET content = ?, updated_at = ? WHERE id = ?
	`), content, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	message := &models.Message{}
	var attachments sql.NullString
	err := row.Scan(
		&message.ID, &message.ThreadID, &message.Role, &message.Content,
		&attachments, &message.CreatedAt, &message.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if attachments.Valid {
		message.AttachmentsJSON = []byte(attachments.String)
	}
	if err := message.DecodeAttachments(); err != nil {
		return nil, fmt.Errorf("failed to deserialize attachments: %w", err)
	}
	return message, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	r := s.reader()
	message, err := scanMessage(r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, thread_id, role, content, attachments, created_at, updated_at
		FROM thread_messages WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// ListMessages returns all messages for a thread ordered by creation time.
func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, thread_id, role, content, attachments, created_at, updated_at
		FROM thread_messages WHERE thread_id = ? ORDER BY created_at ASC, id ASC
	`), threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// Tool call operations

// InsertToolCall creates a new tool call row with no output yet.
func (s *SQLStore) InsertToolCall(ctx context.Context, call *models.ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Input == "" {
		call.Input = "{}"
	}

	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tool_calls (id, message_id, thread_id, name, input, output, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), call.ID, call.MessageID, call.ThreadID, call.Name, call.Input, call.Output, call.CreatedAt, call.UpdatedAt)
	return err
}

// UpdateToolCallOutput sets the output of an existing tool call.
func (s *SQLStore) UpdateToolCallOutput(ctx context.Context, id, output string) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tool_calls SET output = ?, updated_at = ? WHERE id = ?
	`), output, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanToolCall(row interface{ Scan(...any) error }) (*models.ToolCall, error) {
	call := &models.ToolCall{}
	var output sql.NullString
	err := row.Scan(
		&call.ID, &call.MessageID, &call.ThreadID, &call.Name, &call.Input,
		&output, &call.CreatedAt, &call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if output.Valid {
		call.Output = &output.String
	}
	return call, nil
}

// GetToolCall retrieves a tool call by ID.
func (s *SQLStore) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	r := s.reader()
	call, err := scanToolCall(r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, message_id, thread_id, name, input, output, created_at, updated_at
		FROM tool_calls WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return call, nil
}

// FindToolCall looks up a tool call by its message, name, and input. Used to
// reattach outputs when the in-memory mapping from worker tool-use IDs has
// been lost, e.g. after a restart.
func (s *SQLStore) FindToolCall(ctx context.Context, messageID, name, input string) (*models.ToolCall, error) {
	r := s.reader()
	call, err := scanToolCall(r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, message_id, thread_id, name, input, output, created_at, updated_at
		FROM tool_calls WHERE message_id = ? AND name = ? AND input = ?
		ORDER BY created_at ASC LIMIT 1
	`), messageID, name, input))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return call, nil
}

// ListToolCalls returns all tool calls for a message ordered by creation time.
func (s *SQLStore) ListToolCalls(ctx context.Context, messageID string) ([]*models.ToolCall, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, message_id, thread_id, name, input, output, created_at, updated_at
		FROM tool_calls WHERE message_id = ? ORDER BY created_at ASC, id ASC
	`), messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ToolCall
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, call)
	}
	return result, rows.Err()
}
