package transaction

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptor_Defaults(t *testing.T) {
	d := NewDescriptor("K1", 2)
	assert.Equal(t, "K1", d.Key)
	assert.True(t, d.Participates)
	assert.Equal(t, 2, d.Steps)
	assert.Equal(t, IsolationUnspecified, d.Isolation)
	assert.Empty(t, d.Description)
	assert.True(t, d.Transactional())

	d = NewDescriptor("K1", 2, WithIsolation(IsolationSerializable), WithDescription("transfer"), OptOut())
	assert.False(t, d.Participates)
	assert.False(t, d.Transactional())
	assert.Equal(t, IsolationSerializable, d.Isolation)
	assert.Equal(t, "transfer", d.Description)

	assert.False(t, NewDescriptor("K1", 0).Transactional(), "zero steps never begins a transaction")
}

func TestDescriptor_Validate(t *testing.T) {
	require.NoError(t, NewDescriptor("K1", 0).Validate())
	require.ErrorIs(t, NewDescriptor("", 1).Validate(), ErrInvalidDescriptor)
	require.ErrorIs(t, NewDescriptor("K1", -1).Validate(), ErrInvalidDescriptor)
}

func TestDescriptor_Agrees(t *testing.T) {
	base := NewDescriptor("K1", 2, WithIsolation(IsolationReadCommitted))
	assert.True(t, base.Agrees(NewDescriptor("K1", 2, WithIsolation(IsolationReadCommitted), WithDescription("other site"))))
	assert.False(t, base.Agrees(NewDescriptor("K1", 3, WithIsolation(IsolationReadCommitted))))
	assert.False(t, base.Agrees(NewDescriptor("K1", 2, WithIsolation(IsolationSerializable))))
}

func TestIsolationLevel(t *testing.T) {
	cases := map[string]IsolationLevel{
		"":                 IsolationUnspecified,
		"default":          IsolationUnspecified,
		"read_uncommitted": IsolationReadUncommitted,
		"Read Committed":   IsolationReadCommitted,
		"repeatable-read":  IsolationRepeatableRead,
		"SNAPSHOT":         IsolationSnapshot,
		"serializable":     IsolationSerializable,
		"linearizable":     IsolationLinearizable,
		"write_committed":  IsolationWriteCommitted,
	}
	for in, want := range cases {
		got, err := ParseIsolationLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseIsolationLevel("chaos")
	require.Error(t, err)

	assert.Equal(t, sql.LevelReadCommitted, IsolationReadCommitted.SQL())
	assert.Equal(t, sql.LevelDefault, IsolationUnspecified.SQL())
	assert.Equal(t, sql.LevelSerializable, IsolationSerializable.TxOptions().Isolation)
	assert.Equal(t, "read_committed", IsolationReadCommitted.String())
	assert.Equal(t, "isolation(42)", IsolationLevel(42).String())

	var level IsolationLevel
	require.NoError(t, level.UnmarshalText([]byte("repeatable_read")))
	assert.Equal(t, IsolationRepeatableRead, level)
	text, err := level.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "repeatable_read", string(text))
	require.Error(t, level.UnmarshalText([]byte("bogus")))
}

func TestContextResolver(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextResolver{}.Resolve(ctx)
	require.False(t, ok)

	d := NewDescriptor("K1", 2)
	got, ok := ContextResolver{}.Resolve(WithDescriptor(ctx, d))
	require.True(t, ok)
	require.Equal(t, d, got)

	// A call-site reference alone means nothing without a catalog.
	_, ok = ContextResolver{}.Resolve(WithCallSite(ctx, "transfer.debit"))
	require.False(t, ok)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	debit := NewDescriptor("K1", 2, WithDescription("debit"))
	require.NoError(t, c.Register("transfer.debit", debit))
	require.NoError(t, c.Register("transfer.credit", NewDescriptor("K1", 2)))
	require.Equal(t, 2, c.Len())

	require.ErrorIs(t, c.Register("transfer.debit", debit), ErrDuplicateCallSite)
	require.ErrorIs(t, c.Register("", debit), ErrInvalidDescriptor)
	require.ErrorIs(t, c.Register("broken", NewDescriptor("", 1)), ErrInvalidDescriptor)

	ctx := WithCallSite(context.Background(), "transfer.debit")
	got, ok := c.Resolve(ctx)
	require.True(t, ok)
	require.Equal(t, debit, got)

	// Resolution is stable.
	again, ok := c.Resolve(ctx)
	require.True(t, ok)
	require.Equal(t, got, again)

	explicit := NewDescriptor("K9", 1)
	got, ok = c.Resolve(WithDescriptor(ctx, explicit))
	require.True(t, ok)
	require.Equal(t, explicit, got, "an explicit descriptor wins over the catalog")

	_, ok = c.Resolve(WithCallSite(context.Background(), "unknown"))
	require.False(t, ok)
	_, ok = c.Resolve(context.Background())
	require.False(t, ok)
}
