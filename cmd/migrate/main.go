package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/marketlink/messaging-backend/config"
	"github.com/marketlink/messaging-backend/internal/database"
)

func main() {
	down := flag.Bool("down", false, "roll back all migrations instead of applying them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatal("migrations require DB_DRIVER=postgres")
	}

	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if *down {
		if err := rollbackAll(db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("All migrations rolled back")
		return
	}

	if err := database.RunMigrations(db.DB); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("Migrations completed successfully")
}

func rollbackAll(db *database.DB) error {
	sorted := make([]database.Migration, len(database.Migrations))
	copy(sorted, database.Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	for _, migration := range sorted {
		fmt.Printf("Rolling back migration %d...\n", migration.Version)
		if _, err := db.Exec(migration.Down); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", migration.Version, err)
		}
		if _, err := db.Exec("DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
			return fmt.Errorf("failed to unrecord migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
