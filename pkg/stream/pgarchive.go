package stream

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Record is one archived event.
type Record struct {
	ID        string         `json:"id"` // UUID v7 (time-ordered)
	TaskID    string         `json:"task_id"`
	Type      Kind           `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   map[string]any `json:"content"`
	Hash      string         `json:"hash"`      // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"` // previous record of the same task
}

// PgArchive is a PostgreSQL-backed, hash-chained archive of broadcast
// events. Each task has its own chain. Writes happen on a background
// goroutine so publishers never wait on the database.
type PgArchive struct {
	pool  *pgxpool.Pool
	queue chan Event
	log   *logrus.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPgArchive creates a PgArchive with a write backlog of size buffer.
func NewPgArchive(pool *pgxpool.Pool, buffer int) *PgArchive {
	if buffer <= 0 {
		buffer = 1024
	}
	return &PgArchive{
		pool:  pool,
		queue: make(chan Event, buffer),
		log:   logrus.WithField("component", "archive"),
	}
}

// EnsureTable creates the task_events table if it doesn't exist.
func (a *PgArchive) EnsureTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_events (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL,
			content    JSONB NOT NULL DEFAULT '{}',
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp, id)`)
	return err
}

// Start runs the writer until ctx is done or Close is called.
func (a *PgArchive) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-a.queue:
				if !ok {
					return
				}
				wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := a.Append(wctx, ev); err != nil {
					a.log.WithError(err).WithField("task_id", ev.TaskID()).Warn("archive event")
				}
				cancel()
			}
		}
	}()
}

// Enqueue hands ev to the writer. A full backlog drops the event.
func (a *PgArchive) Enqueue(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.log.WithField("task_id", ev.TaskID()).Warn("archive backlog full, dropping event")
	}
}

// Close stops accepting events and waits for the writer to drain.
func (a *PgArchive) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Append stores ev, linking it to the previous record of the same task.
func (a *PgArchive) Append(ctx context.Context, ev Event) (*Record, error) {
	content, err := toContent(ev.Data)
	if err != nil {
		return nil, err
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	id := uuid.Must(uuid.NewV7()).String()
	taskID := ev.TaskID()

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize writers of the same task so the chain has no forks.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, taskID); err != nil {
		return nil, fmt.Errorf("lock chain: %w", err)
	}

	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM task_events WHERE task_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`, taskID).Scan(&prevHash)
	if err != nil {
		prevHash = ""
	}

	r := &Record{
		ID:        id,
		TaskID:    taskID,
		Type:      ev.Type,
		Timestamp: now,
		Content:   content,
		PrevHash:  prevHash,
	}
	r.Hash = computeHash(prevHash, id, taskID, string(ev.Type), now, contentJSON)

	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (id, task_id, event_type, timestamp, content, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		r.ID, r.TaskID, string(r.Type), r.Timestamp, string(contentJSON), r.Hash, r.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return r, nil
}

// ByTask returns the archived events of a task, oldest first.
func (a *PgArchive) ByTask(ctx context.Context, taskID string, limit int) ([]Record, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, task_id, event_type, timestamp, content, hash, prev_hash
		FROM task_events WHERE task_id = $1 ORDER BY timestamp ASC, id ASC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind string
		var contentJSON []byte
		if err := rows.Scan(&r.ID, &r.TaskID, &kind, &r.Timestamp, &contentJSON, &r.Hash, &r.PrevHash); err != nil {
			return nil, err
		}
		r.Type = Kind(kind)
		if err := json.Unmarshal(contentJSON, &r.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return records, nil
}

// VerifyChain walks a task's chain and checks every link.
func (a *PgArchive) VerifyChain(ctx context.Context, taskID string) error {
	records, err := a.ByTask(ctx, taskID, 1<<30)
	if err != nil {
		return err
	}
	return verifyRecords(records)
}

func verifyRecords(records []Record) error {
	prevHash := ""
	for i, r := range records {
		if r.PrevHash != prevHash {
			return fmt.Errorf("record %d (%s): prev_hash mismatch: got %s, want %s", i, r.ID, r.PrevHash, prevHash)
		}
		contentJSON, _ := json.Marshal(r.Content)
		if want := computeHash(prevHash, r.ID, r.TaskID, string(r.Type), r.Timestamp, contentJSON); r.Hash != want {
			return fmt.Errorf("record %d (%s): hash mismatch: got %s, want %s", i, r.ID, r.Hash, want)
		}
		prevHash = r.Hash
	}
	return nil
}

// toContent flattens an event payload into the map form stored as JSONB.
func toContent(data any) (map[string]any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	content := map[string]any{}
	if err := json.Unmarshal(b, &content); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return content, nil
}

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(prevHash, id, taskID, eventType string, timestamp time.Time, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, id, taskID, eventType, timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}
