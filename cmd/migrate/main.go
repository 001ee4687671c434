package main

import (
	"flag"
	"log"

	"marketbot/config"
	"marketbot/internal/store"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	version := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	cfg := config.Load()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	switch {
	case *version:
		v, dirty, err := db.MigrationVersion()
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		log.Printf("Schema version: %d (dirty=%v)", v, dirty)
	case *down > 0:
		if err := db.MigrateDown(*down); err != nil {
			log.Fatalf("Failed to roll back: %v", err)
		}
		log.Printf("Rolled back %d migration(s)", *down)
	default:
		if err := db.Migrate(); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
	}
}
