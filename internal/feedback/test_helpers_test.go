package feedback

import (
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustSubjectID(t *testing.T, value string) SubjectID {
	t.Helper()
	id, err := NewSubjectID(value)
	if err != nil {
		t.Fatalf("unexpected subject id error: %v", err)
	}
	return id
}

func mustVisitorID(t *testing.T, value string) VisitorID {
	t.Helper()
	id, err := NewVisitorID(value)
	if err != nil {
		t.Fatalf("unexpected visitor id error: %v", err)
	}
	return id
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&VoteRecord{}, &Response{}, &LikeState{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type testDBHandle struct {
	db *gorm.DB
}

func (h *testDBHandle) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	return count
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", fmt.Errorf("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}
