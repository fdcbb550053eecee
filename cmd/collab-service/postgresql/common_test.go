package postgresql

import (
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/helper"
)

func CreateMockConnection(t *testing.T) (*Connection, pgxmock.PgxPoolIface) {
	helper.InitTestLogging()
	var c Connection

	knownIDs, err := lru.NewARC(10)
	if err != nil {
		t.Fatalf("Failed to create knownIDs cache: %v", err)
	}

	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}

	c.db = mocked
	c.knownIDs = knownIDs
	c.missCache = cache.New(50*time.Millisecond, time.Minute)
	return &c, mocked
}

func TestCreateMockConnection(t *testing.T) {
	c, _ := CreateMockConnection(t)
	assert.NotNil(t, c)
	assert.NotNil(t, c.db)
	assert.NotNil(t, c.knownIDs)
	assert.NotNil(t, c.missCache)
}
