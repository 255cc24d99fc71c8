package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	upErr      error
	steps      []int
	migratedTo uint
	forced     int
	version    uint
	dirty      bool
	versionErr error
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Migrate(version uint) error {
	if version == f.version {
		return migrate.ErrNoChange
	}
	f.migratedTo = version
	return nil
}

func (f *fakeMigrator) Force(version int) error {
	f.forced = version
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	return f.version, f.dirty, f.versionErr
}

func runCmd(t *testing.T, m *fakeMigrator, args ...string) (string, error) {
	t.Helper()
	closed := false
	load := func() (migrator, func(), error) {
		return m, func() { closed = true }, nil
	}

	cmd := newRootCmd(load)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		assert.True(t, closed)
	}
	return out.String(), err
}

func TestMigrateUp(t *testing.T) {
	out, err := runCmd(t, &fakeMigrator{}, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	out, err = runCmd(t, &fakeMigrator{upErr: migrate.ErrNoChange}, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "no change")

	_, err = runCmd(t, &fakeMigrator{upErr: errors.New("syntax error")}, "up")
	assert.ErrorContains(t, err, "apply migrations")
}

func TestMigrateDown(t *testing.T) {
	m := &fakeMigrator{}
	_, err := runCmd(t, m, "down")
	require.NoError(t, err)
	_, err = runCmd(t, m, "down", "3")
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -3}, m.steps)

	_, err = runCmd(t, m, "down", "zero")
	assert.ErrorContains(t, err, "invalid step count")
}

func TestMigrateGotoAndForce(t *testing.T) {
	m := &fakeMigrator{version: 1}
	out, err := runCmd(t, m, "goto", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "already at version 1")

	_, err = runCmd(t, m, "goto", "2")
	require.NoError(t, err)
	assert.Equal(t, uint(2), m.migratedTo)

	_, err = runCmd(t, m, "force", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.forced)
}

func TestMigrateStatus(t *testing.T) {
	out, err := runCmd(t, &fakeMigrator{versionErr: migrate.ErrNilVersion}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no migrations applied yet")

	out, err = runCmd(t, &fakeMigrator{version: 1, dirty: true}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1 (dirty)")
}
