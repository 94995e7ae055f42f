package pool_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	content := strings.Join([]string{
		"one@example.com",
		"not an email",
		"two@example.com",
		"",
		"  three@example.com  ",
		"two@example.com", // duplicate line
		"bare@localhost",
	}, "\n")

	path := filepath.Join(t.TempDir(), "emails.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	count, err := svc.LoadFromFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// Loading the same file again is a no-op.
	count, err = svc.LoadFromFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestLoadFromFileMissing(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	emails := seedEmails(t, svc, 4)

	var buf bytes.Buffer
	count, err := svc.Export(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, len(emails), count)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, emails, lines, "export must preserve insertion order")
}

func TestExportEmptyPool(t *testing.T) {
	svc := newTestService(t)

	var buf bytes.Buffer
	count, err := svc.Export(context.Background(), &buf)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Zero(t, buf.Len())
}
