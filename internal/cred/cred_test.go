package cred

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_PutGet(t *testing.T) {
	m := NewManager(time.Hour)

	c := m.Put(Credential{Owner: "a@x", Type: "userinfo", Username: "anon", Secret: "pw"})
	require.NotEmpty(t, c.Token)
	assert.False(t, c.Created.IsZero())

	got, err := m.Get(c.Token, "a@x")
	require.NoError(t, err)
	assert.Equal(t, "pw", got.Secret)

	_, err = m.Get(c.Token, "b@x")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = m.Get("nope", "a@x")
	assert.ErrorIs(t, err, ErrUnknownToken)

	assert.Len(t, m.List("a@x"), 1)
	assert.Empty(t, m.List("b@x"))

	m.Delete(c.Token)
	_, err = m.Get(c.Token, "a@x")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestManager_Expiry(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	c := m.Put(Credential{Owner: "a@x", Type: "bearer", Secret: "t"})
	require.Eventually(t, func() bool {
		_, err := m.Get(c.Token, "a@x")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCredentialEnvAndContext(t *testing.T) {
	c := Credential{Type: "userinfo", Username: "u", Secret: "s"}
	assert.Equal(t, []string{"STORK_CRED_TYPE=userinfo", "STORK_CRED_USER=u", "STORK_CRED_SECRET=s"}, c.Env())
	assert.NotContains(t, c.Ad(), "secret")

	ctx := WithCredential(context.Background(), c)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", got.Username)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
