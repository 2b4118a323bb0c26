package sql

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

type migration struct {
	order   int
	name    string
	content []byte
}

// Migrations applies schema changes to the database.
type Migrations func(Executor) error

// LoadMigrations returns Migrations that apply the numbered scripts
// (NNNN_name.sql) found in the specified directory of fsys. Scripts with order not
// greater than the database user_version are skipped.
func LoadMigrations(fsys fs.FS, dir string) Migrations {
	return func(db Executor) error {
		migrations, err := readMigrations(fsys, dir)
		if err != nil {
			return err
		}
		return applyMigrations(db, migrations)
	}
}

func readMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}
	var migrations []migration
	for _, d := range entries {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(d.Name(), "_", 2)
		order, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid migration %s: %w", d.Name(), err)
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("readfile %s: %w", d.Name(), err)
		}
		migrations = append(migrations, migration{
			order:   order,
			name:    d.Name(),
			content: content,
		})
	}
	slices.SortFunc(migrations, func(a, b migration) int {
		return a.order - b.order
	})
	return migrations, nil
}

func splitStatements(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(";")); i >= 0 {
		return i + 1, data[0 : i+1], nil
	}
	return 0, nil, nil
}

// Version returns the schema version of the database.
func Version(db Executor) (int, error) {
	var current int
	if _, err := db.Exec("PRAGMA user_version;", nil, func(stmt *Statement) bool {
		current = stmt.ColumnInt(0)
		return true
	}); err != nil {
		return 0, fmt.Errorf("read user_version %w", err)
	}
	return current, nil
}

func applyMigrations(db Executor, migrations []migration) error {
	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.order <= current {
			continue
		}
		scanner := bufio.NewScanner(bytes.NewReader(m.content))
		scanner.Split(splitStatements)
		for scanner.Scan() {
			if _, err := db.Exec(scanner.Text(), nil, nil); err != nil {
				return fmt.Errorf("exec %s: %w", m.name, err)
			}
		}
		// binding values in pragma statement is not allowed
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", m.order), nil, nil); err != nil {
			return fmt.Errorf("update user_version to %d: %w", m.order, err)
		}
	}
	return nil
}
