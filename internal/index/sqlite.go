package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"distributed-search/internal/fault"
	"distributed-search/internal/vector"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id           TEXT PRIMARY KEY,
	content          TEXT    NOT NULL,
	metadata         TEXT    NOT NULL,
	fingerprint      BLOB    NOT NULL,
	fingerprint_hash INTEGER NOT NULL,
	size_bytes       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS postings (
	term   TEXT    NOT NULL,
	doc_id TEXT    NOT NULL,
	tf     INTEGER NOT NULL,
	PRIMARY KEY (term, doc_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS postings_by_term ON postings(term);
`

// SQLite implements Provider on a single database file. Writes commit
// before Index returns, which is the durability the replication quorum
// counts on.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the index under dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	dsn := filepath.Join(dir, "index.db") + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Index implements Provider.
func (s *SQLite) Index(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE doc_id = ?`, doc.DocID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, doc.DocID)
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if doc.SizeBytes == 0 {
		doc.SizeBytes = len(doc.Content)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (doc_id, content, metadata, fingerprint, fingerprint_hash, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.Content, string(meta), encodeFingerprint(doc.Fingerprint),
		int64(doc.Fingerprint.Hash64()), doc.SizeBytes, doc.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for term, tf := range termFrequencies(doc.Content) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO postings (term, doc_id, tf) VALUES (?, ?, ?)`, term, doc.DocID, tf); err != nil {
			return fmt.Errorf("insert posting %q: %w", term, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// Remove implements Provider.
func (s *SQLite) Remove(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", fault.ErrNotFound, docID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("delete postings: %w", err)
	}
	return tx.Commit()
}

// Search implements Provider: TF×IDF over the inverted index, snippet from
// the stored content.
func (s *SQLite) Search(ctx context.Context, query string, k int) ([]Result, error) {
	terms := vector.Tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	for _, term := range dedupTerms(terms) {
		rows, err := s.db.QueryContext(ctx, `SELECT doc_id, tf FROM postings WHERE term = ?`, term)
		if err != nil {
			return nil, fmt.Errorf("query postings: %w", err)
		}
		type posting struct {
			docID string
			tf    int
		}
		var postings []posting
		for rows.Next() {
			var p posting
			if err := rows.Scan(&p.docID, &p.tf); err != nil {
				rows.Close()
				return nil, err
			}
			postings = append(postings, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if len(postings) == 0 {
			continue
		}
		idf := math.Log(1 + float64(total)/float64(len(postings)))
		for _, p := range postings {
			scores[p.docID] += float64(p.tf) * idf
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(scores))
	for docID, score := range scores {
		results = append(results, Result{DocID: docID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if len(results) > k {
		results = results[:k]
	}

	for i := range results {
		var content string
		if err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE doc_id = ?`, results[i].DocID).Scan(&content); err != nil {
			continue // raced with a rollback; keep the hit without a snippet
		}
		results[i].Snippet = snippet(content, terms)
	}
	return results, nil
}

// Get implements Provider.
func (s *SQLite) Get(ctx context.Context, docID string) (Document, error) {
	var (
		doc       Document
		meta      string
		fp        []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, content, metadata, fingerprint, size_bytes, created_at FROM documents WHERE doc_id = ?`,
		docID).Scan(&doc.DocID, &doc.Content, &meta, &fp, &doc.SizeBytes, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, fmt.Errorf("%w: %s", fault.ErrNotFound, docID)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return Document{}, fmt.Errorf("decode metadata: %w", err)
	}
	doc.Fingerprint = decodeFingerprint(fp)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	return doc, nil
}

// FingerprintOf implements Provider.
func (s *SQLite) FingerprintOf(ctx context.Context, docID string) (vector.Fingerprint, bool, error) {
	var fp []byte
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM documents WHERE doc_id = ?`, docID).Scan(&fp)
	if err == sql.ErrNoRows {
		return vector.Fingerprint{}, false, nil
	}
	if err != nil {
		return vector.Fingerprint{}, false, err
	}
	return decodeFingerprint(fp), true, nil
}

// Stats implements Provider.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.DocCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT term) FROM postings`).Scan(&st.TermCount); err != nil {
		return st, err
	}
	return st, nil
}

// DigestMap implements Provider.
func (s *SQLite) DigestMap(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, fingerprint_hash FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var docID string
		var h int64
		if err := rows.Scan(&docID, &h); err != nil {
			return nil, err
		}
		out[docID] = uint64(h)
	}
	return out, rows.Err()
}

// CombinedDigest implements Provider. XOR-folding keeps it independent of
// iteration order.
func (s *SQLite) CombinedDigest(ctx context.Context) (uint64, error) {
	m, err := s.DigestMap(ctx)
	if err != nil {
		return 0, err
	}
	var combined uint64
	for docID, h := range m {
		f := fnv.New64a()
		f.Write([]byte(docID))
		combined ^= f.Sum64() ^ h
	}
	return combined, nil
}

// Close implements Provider.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func termFrequencies(content string) map[string]int {
	freqs := make(map[string]int)
	for _, t := range vector.Tokenize(content) {
		freqs[t]++
	}
	return freqs
}

func dedupTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// snippet extracts a window around the first query-term hit.
func snippet(content string, terms []string) string {
	const window = 60
	lower := strings.ToLower(content)
	pos := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		if len(content) <= 2*window {
			return content
		}
		return content[:2*window] + "…"
	}
	start := pos - window
	if start < 0 {
		start = 0
	}
	end := pos + window
	if end > len(content) {
		end = len(content)
	}
	out := content[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}

func encodeFingerprint(fp vector.Fingerprint) []byte {
	buf := make([]byte, vector.Dim*4)
	for i, v := range fp {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFingerprint(data []byte) vector.Fingerprint {
	var fp vector.Fingerprint
	if len(data) < vector.Dim*4 {
		return fp
	}
	for i := range fp {
		fp[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
	}
	return fp
}
