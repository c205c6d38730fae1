package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/migration"
	"github.com/zzenonn/zplace/internal/placement"
)

var showCmd = &cobra.Command{
	Use:   "show [table]",
	Short: "Show the partitions and placements of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		layout, err := placementService.Catalog().Layout(table.ID)
		if err != nil {
			return err
		}
		placements, err := placementService.Catalog().Placements(table.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Table %s (id %d), partitioned by %s\n", table.Name, table.ID, table.PartitionType)
		for _, g := range layout.Groups {
			for _, pid := range g.PartitionIDs {
				p, _ := layout.Partition(pid)
				fmt.Printf("  group %-12s partition %-4d %v\n", g.Name, pid, qualifierText(p))
				for _, storeID := range storesOfPartition(placements, pid) {
					fmt.Printf("      %s: %s\n", storeID, columnNames(table, columnsOf(placements, storeID, pid)))
				}
			}
		}
		uncovered, err := placementService.Catalog().UncoveredCells(table.ID)
		if err != nil {
			return err
		}
		if len(uncovered) > 0 {
			fmt.Printf("  %d cells have no store\n", len(uncovered))
		}
		return nil
	},
}

var addPlacementCmd = &cobra.Command{
	Use:   "add [table] [store]",
	Short: "Place columns of a table on a store, copying existing rows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		columns, err := flagColumns(cmd, table)
		if err != nil {
			return err
		}
		partitions, err := flagPartitions(cmd, table)
		if err != nil {
			return err
		}
		job, err := placementService.AddPlacement(cmd.Context(), table.ID, domain.StoreID(args[1]), partitions, columns)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var dropPlacementCmd = &cobra.Command{
	Use:   "drop [table] [store]",
	Short: "Remove a store's placements of a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		columns, err := flagColumns(cmd, table)
		if err != nil {
			return err
		}
		if err := placementService.DropPlacement(cmd.Context(), table.ID, domain.StoreID(args[1]), columns); err != nil {
			return err
		}
		fmt.Printf("Dropped placement of %s on %s\n", table.Name, args[1])
		return nil
	},
}

var modifyPlacementCmd = &cobra.Command{
	Use:   "modify [table] [store]",
	Short: "Replace the column set a store holds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		columns, err := flagColumns(cmd, table)
		if err != nil {
			return err
		}
		job, err := placementService.ModifyPlacement(cmd.Context(), table.ID, domain.StoreID(args[1]), columns)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var placementCmd = &cobra.Command{
	Use:   "placement",
	Short: "Manage column placements",
}

var createPartitionCmd = &cobra.Command{
	Use:   "create [table]",
	Short: "Partition a table",
	Example: "  zplace partition create orders --type list --column region --group eu=de,fr --group us=us\n" +
		"  zplace partition create orders --type hash --column id --count 4",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		spec, err := flagPartitionSpec(cmd, table)
		if err != nil {
			return err
		}
		layout, err := placementService.CreatePartitionGroups(cmd.Context(), table.ID, spec)
		if err != nil {
			return err
		}
		fmt.Printf("Table %s now has %d partitions\n", table.Name, len(layout.Partitions))
		return nil
	},
}

var dropPartitionCmd = &cobra.Command{
	Use:   "drop [table] [group]",
	Short: "Drop a partition group and its data placements",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		layout, err := placementService.Catalog().Layout(table.ID)
		if err != nil {
			return err
		}
		for _, g := range layout.Groups {
			if strings.EqualFold(g.Name, args[1]) {
				return placementService.DropPartitionGroup(cmd.Context(), table.ID, g.ID)
			}
		}
		return fmt.Errorf("%w: group %s", zerrors.ErrPartitionNotFound, args[1])
	},
}

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Manage partition groups",
}

func flagColumns(cmd *cobra.Command, table domain.Table) ([]int64, error) {
	names, _ := cmd.Flags().GetStringSlice("columns")
	return columnIDs(table, names)
}

func columnIDs(table domain.Table, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		c, ok := table.ColumnByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", zerrors.ErrColumnNotFound, table.Name, name)
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func flagPartitions(cmd *cobra.Command, table domain.Table) ([]int64, error) {
	groups, _ := cmd.Flags().GetStringSlice("partitions")
	if len(groups) == 0 {
		return nil, nil
	}
	layout, err := placementService.Catalog().Layout(table.ID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range groups {
		found := false
		for _, g := range layout.Groups {
			if strings.EqualFold(g.Name, name) {
				ids = append(ids, g.PartitionIDs...)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: group %s", zerrors.ErrPartitionNotFound, name)
		}
	}
	return ids, nil
}

// flagPartitionSpec reads --type, --column, --group name=v1,v2 and --count.
func flagPartitionSpec(cmd *cobra.Command, table domain.Table) (placement.PartitionSpec, error) {
	typeName, _ := cmd.Flags().GetString("type")
	columnName, _ := cmd.Flags().GetString("column")
	groups, _ := cmd.Flags().GetStringArray("group")
	count, _ := cmd.Flags().GetInt("count")

	t, err := domain.ParsePartitionType(typeName)
	if err != nil {
		return placement.PartitionSpec{}, err
	}
	spec := placement.PartitionSpec{Type: t, NumGroups: count}
	if t == domain.PartitionNone {
		return spec, nil
	}
	c, ok := table.ColumnByName(columnName)
	if !ok {
		return placement.PartitionSpec{}, fmt.Errorf("%w: %s.%s", zerrors.ErrColumnNotFound, table.Name, columnName)
	}
	spec.ColumnID = c.ID

	for _, g := range groups {
		name, values, ok := strings.Cut(g, "=")
		if !ok {
			return placement.PartitionSpec{}, zerrors.Validation("group %q must look like name=value[,value]", g)
		}
		spec.GroupNames = append(spec.GroupNames, strings.TrimSpace(name))
		spec.QualifierGroups = append(spec.QualifierGroups, strings.Split(values, ","))
	}
	return spec, nil
}

func qualifierText(p domain.Partition) string {
	if p.IsUnbound {
		return "(unbound)"
	}
	if len(p.Qualifiers) == 0 {
		return ""
	}
	return "[" + strings.Join(p.Qualifiers, ", ") + "]"
}

func storesOfPartition(placements []domain.Placement, partitionID int64) []domain.StoreID {
	seen := make(map[domain.StoreID]bool)
	var out []domain.StoreID
	for _, p := range placements {
		if p.PartitionID == partitionID && !seen[p.Store] {
			seen[p.Store] = true
			out = append(out, p.Store)
		}
	}
	return out
}

func columnsOf(placements []domain.Placement, storeID domain.StoreID, partitionID int64) []int64 {
	var out []int64
	for _, p := range placements {
		if p.Store == storeID && p.PartitionID == partitionID {
			out = append(out, p.ColumnID)
		}
	}
	return out
}

func columnNames(table domain.Table, ids []int64) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if c, ok := table.Column(id); ok {
			names = append(names, c.Name)
		} else {
			names = append(names, strconv.FormatInt(id, 10))
		}
	}
	return strings.Join(names, ", ")
}

func printJob(job *migration.Job) {
	fmt.Printf("Job %s %s: %d partitions, %d rows copied\n", job.ID, job.State(), len(job.Tasks), job.RowsCopied())
}

func init() {
	addPlacementCmd.Flags().StringSlice("columns", nil, "columns to place (default all)")
	addPlacementCmd.Flags().StringSlice("partitions", nil, "partition groups to place (default all)")
	dropPlacementCmd.Flags().StringSlice("columns", nil, "columns to drop (default all)")
	modifyPlacementCmd.Flags().StringSlice("columns", nil, "the new column set of the store")
	_ = modifyPlacementCmd.MarkFlagRequired("columns")
	placementCmd.AddCommand(showCmd, addPlacementCmd, dropPlacementCmd, modifyPlacementCmd)

	createPartitionCmd.Flags().String("type", "list", "partition strategy: none, list, hash or range")
	createPartitionCmd.Flags().String("column", "", "partition column")
	createPartitionCmd.Flags().StringArray("group", nil, "partition group as name=value[,value]; range groups take name=lower,upper")
	createPartitionCmd.Flags().Int("count", 0, "number of partition groups (hash)")
	partitionCmd.AddCommand(createPartitionCmd, dropPartitionCmd)

	rootCmd.AddCommand(placementCmd)
	rootCmd.AddCommand(partitionCmd)
}
