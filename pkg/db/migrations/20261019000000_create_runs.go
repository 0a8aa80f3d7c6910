package migrations

import (
	"context"

	"github.com/quatton/qmesh/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewCreateTable().
			Model((*models.Run)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		for name, column := range map[string]string{
			"runs_anchor_key_idx": "anchor_key",
			"runs_status_idx":     "status",
		} {
			_, err = db.NewCreateIndex().
				Model((*models.Run)(nil)).
				Index(name).
				Column(column).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Model((*models.Run)(nil)).IfExists().Exec(ctx)
		return err
	})
}
