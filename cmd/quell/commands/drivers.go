package commands

// Database drivers available to the serve and bench commands.
import (
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
