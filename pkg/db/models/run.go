package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Run is one row of run history. Record holds the full run as JSON; the
// other columns are kept for filtering.
type Run struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID         string `bun:",pk"`
	AnchorKey  string `bun:",notnull"`
	AnchorName string `bun:",nullzero"`
	Status     string `bun:",notnull"`
	ErrorCode  string `bun:",nullzero"`
	Error      string `bun:",nullzero"`
	ExitCode   *int
	Dir        string `bun:",nullzero"`
	Purged     bool   `bun:",notnull,default:false"`
	Dismissed  bool   `bun:",notnull,default:false"`
	Record     string `bun:",notnull"`

	CreatedAt  time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	StartedAt  *time.Time `bun:",nullzero"`
	FinishedAt *time.Time `bun:",nullzero"`
	UpdatedAt  time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
}
