package session

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStorage struct {
	getErr, setErr error
	sets           int
}

func (b *brokenStorage) Get(string) (string, error) { return "", b.getErr }

func (b *brokenStorage) Set(string, string) error {
	b.sets++
	return b.setErr
}

func TestGetOrCreate(t *testing.T) {
	st := NewMemoryStorage()

	first := GetOrCreate(st, SessionKey)
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	assert.Equal(t, first, GetOrCreate(st, SessionKey))
	assert.Equal(t, first, SessionID(st))
}

func TestGetOrCreate_Degrades(t *testing.T) {
	t.Run("read failure", func(t *testing.T) {
		st := &brokenStorage{getErr: errors.New("blocked")}
		a, b := GetOrCreate(st, SessionKey), GetOrCreate(st, SessionKey)
		assert.NotEmpty(t, a)
		assert.NotEqual(t, a, b)
		assert.Zero(t, st.sets)
	})

	t.Run("write failure", func(t *testing.T) {
		st := &brokenStorage{setErr: errors.New("quota exceeded")}
		assert.NotEmpty(t, GetOrCreate(st, SessionKey))
		assert.Equal(t, 1, st.sets)
	})

	t.Run("no storage", func(t *testing.T) {
		assert.NotEmpty(t, GetOrCreate(nil, SessionKey))
	})
}

func TestVisitorID_FallsThroughStores(t *testing.T) {
	local := &brokenStorage{getErr: errors.New("disabled")}
	sess := NewMemoryStorage()

	id := VisitorID(local, sess)
	stored, _ := sess.Get(VisitorKey)
	assert.Equal(t, id, stored)
	assert.Equal(t, id, VisitorID(local, sess))
}

func TestVisitorID_LastResort(t *testing.T) {
	bad := &brokenStorage{setErr: errors.New("read only")}
	a := VisitorID(bad, nil)
	b := VisitorID(bad, nil)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
