package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aquasecurity/table"
	bolt "go.etcd.io/bbolt"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the objects persisted in the embedded store",
	Long: `inspect opens the bbolt store read-only and prints one row per
stored object: its workspace/object key, how many update records
it has retained, and whether it has a compacted snapshot yet. It is meant
for an operator poking at --data-dir, not for programmatic use.`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dbPath := dataDir + "/collab.db"

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("inspect: open store %s: %w", dbPath, err)
	}
	defer db.Close()

	t := table.New(os.Stdout)
	t.SetHeaders("Object Key", "Updates Pending", "Has Snapshot", "Size (bytes)")

	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			updates := 0
			hasSnap := "no"
			size := 0
			_ = b.ForEach(func(k, v []byte) error {
				size += len(k) + len(v)
				switch {
				case string(k) == "snap":
					hasSnap = "yes"
				case len(k) > 4 && string(k[:4]) == "upd/":
					updates++
				}
				return nil
			})
			t.AddRow(string(name), strconv.Itoa(updates), hasSnap, strconv.Itoa(size))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("inspect: read store: %w", err)
	}

	t.Render()
	return nil
}
