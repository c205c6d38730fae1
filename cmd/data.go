package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/repository/db"
	"github.com/zzenonn/zplace/internal/repository/store"
	"github.com/zzenonn/zplace/internal/router"
)

var insertCmd = &cobra.Command{
	Use:     "insert [table] [column=value]...",
	Short:   "Insert one row",
	Example: "  zplace insert orders id=1 region=de total=100",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		values := make(map[int64]any, len(args)-1)
		for _, arg := range args[1:] {
			name, raw, ok := strings.Cut(arg, "=")
			if !ok {
				return zerrors.Validation("%q must look like column=value", arg)
			}
			c, ok := table.ColumnByName(name)
			if !ok {
				return fmt.Errorf("%w: %s.%s", zerrors.ErrColumnNotFound, table.Name, name)
			}
			values[c.ID] = parseValue(c, raw)
		}
		n, err := placementService.InsertRows(cmd.Context(), table.ID, []map[int64]any{values})
		if err != nil {
			return err
		}
		fmt.Printf("Inserted %d row into %s\n", n, table.Name)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read [table]",
	Short: "Read rows, joining vertical fragments across stores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		req, err := flagReadRequest(cmd, table)
		if err != nil {
			return err
		}

		if explain, _ := cmd.Flags().GetBool("explain"); explain {
			plan, err := placementService.Router().Plan(req)
			if err != nil {
				return err
			}
			for _, ps := range plan.Partitions {
				for _, r := range ps.Reads {
					fmt.Printf("partition %d <- %s (%s)\n", ps.PartitionID, r.Store, columnNames(table, r.Columns))
				}
			}
			return nil
		}

		rows, err := placementService.Read(cmd.Context(), req)
		if err != nil {
			return err
		}
		columns := req.Columns
		if len(columns) == 0 {
			columns = table.ColumnIDs()
		}
		fmt.Println(columnNames(table, columns))
		for _, r := range rows {
			cells := make([]string, 0, len(columns))
			for _, id := range columns {
				cells = append(cells, fmt.Sprint(r.Values[id]))
			}
			fmt.Println(strings.Join(cells, ", "))
		}
		return nil
	},
}

var routeCmd = &cobra.Command{
	Use:   "route [table] [value]",
	Short: "Print the partition a partition column value routes to",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		pid, err := placementService.Router().Route(table.ID, args[1])
		if err != nil {
			return err
		}
		fmt.Println(pid)
		return nil
	},
}

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Inspect stores",
}

var listStoresCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range registry.ListStores() {
			adapter, err := registry.Adapter(id)
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %s\n", id, adapter.StorageType())
		}
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find S3 buckets and DynamoDB tables tagged as stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, err := store.DiscoverStores(cmd.Context(), dynamoDb.TaggingClient, cfg.DiscoverTag)
		if err != nil {
			return err
		}
		for _, sc := range configs {
			fmt.Printf("stores.%s.uri: %s://%s\n", sc.Name, sc.Type, sc.Target)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [table]",
	Short: "List recorded migration jobs of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := placementService.Catalog().TableByName(args[0])
		if err != nil {
			return err
		}
		repo := db.NewJobRepository(dynamoDb.Client, cfg.DynamoDBTable)
		jobs, err := repo.ListJobsByTable(cmd.Context(), table.ID)
		if err != nil {
			return err
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt < jobs[j].UpdatedAt })
		for _, j := range jobs {
			fmt.Printf("%s %-9s -> %-12s partitions %v rows %d %s\n", j.JobID, j.State, j.Destination, j.Partitions, j.RowsCopied, j.Error)
		}
		return nil
	},
}

func flagReadRequest(cmd *cobra.Command, table domain.Table) (router.Request, error) {
	columns, err := flagColumns(cmd, table)
	if err != nil {
		return router.Request{}, err
	}
	req := router.Request{TableID: table.ID, Columns: columns}

	where, _ := cmd.Flags().GetString("where")
	if where == "" {
		return req, nil
	}
	name, value, ok := strings.Cut(where, "=")
	if !ok {
		return router.Request{}, zerrors.Validation("--where must look like column=value")
	}
	c, ok := table.ColumnByName(strings.TrimSpace(name))
	if !ok {
		return router.Request{}, fmt.Errorf("%w: %s.%s", zerrors.ErrColumnNotFound, table.Name, name)
	}
	req.Predicate = &router.Predicate{ColumnID: c.ID, Value: strings.TrimSpace(value)}
	return req, nil
}

// parseValue keeps raw as a string unless the column is numeric or boolean.
func parseValue(c domain.Column, raw string) any {
	switch c.Type.Family() {
	case domain.FamilyNumeric:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case domain.FamilyBoolean:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}

func init() {
	readCmd.Flags().StringSlice("columns", nil, "columns to read (default all)")
	readCmd.Flags().String("where", "", "equality filter as column=value")
	readCmd.Flags().Bool("explain", false, "print the store choice instead of reading")
	storesCmd.AddCommand(listStoresCmd, discoverCmd)

	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(storesCmd)
	rootCmd.AddCommand(jobsCmd)
}
