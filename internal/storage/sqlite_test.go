package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath,
		`CREATE TABLE IF NOT EXISTS a (id TEXT PRIMARY KEY);`,
		`CREATE TABLE IF NOT EXISTS b (id TEXT PRIMARY KEY);`,
	)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"a", "b"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), MemoryPath, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT);`)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`INSERT INTO kv(k, v) VALUES ('a', '1');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var v string
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = 'a';`).Scan(&v); err != nil || v != "1" {
		t.Fatalf("select: v=%q err=%v", v, err)
	}
}

func TestOpenSQLiteRejectsBadSchema(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"), `CREATE TABLE (`)
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestCheckLocal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "nested", "dir", "state.db")

	cases := []struct {
		name    string
		fsType  string
		err     error
		wantErr error
	}{
		{name: "local", fsType: "ext4"},
		{name: "nfs", fsType: "nfs", wantErr: ErrRemoteFilesystem},
		{name: "uppercase smb", fsType: "SMBFS", wantErr: ErrRemoteFilesystem},
		{name: "unsupported platform", err: errDetectUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var inspected string
			err := checkLocal(nested, func(p string) (string, error) {
				inspected = p
				return tc.fsType, tc.err
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("checkLocal err = %v, want %v", err, tc.wantErr)
			}
			if inspected != root {
				t.Fatalf("inspected %q, want nearest existing %q", inspected, root)
			}
		})
	}
}
