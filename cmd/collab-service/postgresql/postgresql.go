package postgresql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/shared"
)

// pgxIface is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it in tests.
type pgxIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Connection is the durable Document Store backed by Postgres. It caches
// known-existing document ids in an ARC and remembers recent not-found
// lookups for a short TTL so repeated joins to a missing document don't
// turn into repeated queries.
type Connection struct {
	db        pgxIface
	knownIDs  *lru.ARCCache
	missCache *cache.Cache
}

var conn *Connection
var once sync.Once

// GetOrInit sets up the Postgres connection pool from the environment on
// first call and returns the singleton afterwards.
func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("Setting up postgresql")
		PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
		}
		PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
		}
		PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
		}
		PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
		}
		PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
		}
		PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
		}

		zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

		conString := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

		establishContext, establishContextCncl := get5SecondContext()
		defer establishContextCncl()
		var db *pgxpool.Pool
		db, err = pgxpool.New(establishContext, conString)
		if err != nil {
			zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
		}

		LRUSize, err := env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_LRU_CACHE_SIZE from env: %s", err)
		}
		knownIDs, err := lru.NewARC(LRUSize)
		if err != nil {
			zap.S().Fatalf("Failed to create ARC: %s", err)
		}

		conn = &Connection{
			db:        db,
			knownIDs:  knownIDs,
			missCache: cache.New(10*time.Second, 20*time.Second),
		}
		if !conn.IsAvailable() {
			zap.S().Fatalf("Database is not available !")
		}

		// Validate that the documents table exists
		contextCheckTables, contextCheckTablesCncl := get5SecondContext()
		defer contextCheckTablesCncl()
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		row := db.QueryRow(contextCheckTables, query, "documents")
		err = row.Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				zap.S().Fatalf("Table documents does not exist in the database")
			} else {
				zap.S().Fatalf("Failed to check for table documents: %s", err)
			}
		}
	})
	return conn
}

// GetContentByID returns the current content of the document or
// shared.ErrDocumentNotFound.
func (c *Connection) GetContentByID(ctx context.Context, docID string) (string, error) {
	if c.db == nil {
		return "", errors.New("database is nil")
	}
	if _, missed := c.missCache.Get(docID); missed {
		return "", shared.ErrDocumentNotFound
	}

	var content string
	err := c.db.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, docID).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.missCache.SetDefault(docID, true)
			return "", shared.ErrDocumentNotFound
		}
		return "", err
	}

	c.knownIDs.Add(docID, true)
	return content, nil
}

// SetContent durably writes content for the document. Writing to a
// document id that no longer exists reports shared.ErrDocumentNotFound.
func (c *Connection) SetContent(ctx context.Context, docID string, content string) error {
	if c.db == nil {
		return errors.New("database is nil")
	}

	tag, err := c.db.Exec(ctx,
		`UPDATE documents SET content = $2, updated_at = now() WHERE id = $1`,
		docID, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		c.missCache.SetDefault(docID, true)
		return shared.ErrDocumentNotFound
	}

	c.knownIDs.Add(docID, true)
	c.missCache.Delete(docID)
	return nil
}

// IsKnown reports whether the document id was seen in a successful read or
// write recently. Purely advisory; a miss just means "ask the database".
func (c *Connection) IsKnown(docID string) bool {
	return c.knownIDs.Contains(docID)
}

func (c *Connection) IsAvailable() bool {
	if c.db == nil {
		return false
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	err := c.db.Ping(ctx)
	if err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (c *Connection) Shutdown() {
	if c.db != nil {
		c.db.Close()
	}
}

func GetHealthCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().IsAvailable() {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
