package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)
	assert.Len(t, ms[0].checksum, 64)
	assert.Contains(t, ms[0].sql, "CREATE TABLE users")
}

func TestLoadMigrations(t *testing.T) {
	tests := []struct {
		name    string
		files   fstest.MapFS
		want    []int
		wantErr string
	}{
		{
			name: "ordered by version",
			files: fstest.MapFS{
				"m/0002_sessions.sql": {Data: []byte("SELECT 2")},
				"m/0001_users.sql":    {Data: []byte("SELECT 1")},
			},
			want: []int{1, 2},
		},
		{
			name: "gap in versions",
			files: fstest.MapFS{
				"m/0001_users.sql":    {Data: []byte("SELECT 1")},
				"m/0003_sessions.sql": {Data: []byte("SELECT 3")},
			},
			wantErr: "out of sequence",
		},
		{
			name: "bad file name",
			files: fstest.MapFS{
				"m/1_users.sql": {Data: []byte("SELECT 1")},
			},
			wantErr: "invalid migration file name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := loadMigrations(tt.files, "m")
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			var got []int
			for _, m := range ms {
				got = append(got, m.version)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("checksum follows content", func(t *testing.T) {
		a, err := loadMigrations(fstest.MapFS{"m/0001_x.sql": {Data: []byte("SELECT 1")}}, "m")
		require.NoError(t, err)
		b, err := loadMigrations(fstest.MapFS{"m/0001_x.sql": {Data: []byte("SELECT 2")}}, "m")
		require.NoError(t, err)
		assert.NotEqual(t, a[0].checksum, b[0].checksum)
	})
}
