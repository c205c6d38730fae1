package service

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/config"
	"github.com/zzenonn/zplace/internal/domain"
)

// Bootstrap registers, partitions and places the configured tables.
func Bootstrap(ctx context.Context, svc *PlacementService, tables []config.TableConfig) error {
	for _, tc := range tables {
		table, err := tc.Table()
		if err != nil {
			return err
		}
		if err := svc.RegisterTable(table); err != nil {
			return fmt.Errorf("registering table %s: %w", table.Name, err)
		}

		if tc.Partition != nil {
			spec, err := tc.Partition.Spec(table)
			if err != nil {
				return err
			}
			if _, err := svc.CreatePartitionGroups(ctx, table.ID, spec); err != nil {
				return fmt.Errorf("partitioning table %s: %w", table.Name, err)
			}
		}

		for _, pc := range tc.Placements {
			columns, err := pc.ColumnIDs(table)
			if err != nil {
				return err
			}
			if _, err := svc.AddPlacement(ctx, table.ID, domain.StoreID(pc.Store), nil, columns); err != nil {
				return fmt.Errorf("placing table %s on %s: %w", table.Name, pc.Store, err)
			}
		}
		log.Infof("Bootstrapped table %s", table.Name)
	}
	return nil
}
