package schema

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

type fakeIntrospector struct {
	columns map[string][]string
	keys    map[string][]string
	calls   int
}

func (f *fakeIntrospector) GetColumnNames(ctx context.Context, schema, table string) ([]string, error) {
	f.calls++
	return f.columns[schema+"."+table], nil
}

func (f *fakeIntrospector) GetPrimaryKeys(ctx context.Context, schema, table string) ([]string, error) {
	return f.keys[schema+"."+table], nil
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{
		columns: map[string][]string{"shop.users": {"id", "name"}},
		keys:    map[string][]string{"shop.users": {"id"}},
	}
}

func TestRegisterOrFetch(t *testing.T) {
	meta := newFakeIntrospector()
	r := NewRegistry(meta, "orders", hclog.NewNullLogger())
	users := cdc.TableRef{Database: "shop", Table: "users"}

	info, err := r.RegisterOrFetch(context.Background(), users, false)
	require.NoError(t, err)
	assert.Equal(t, "orders.shop.users", info.Topic)
	assert.Equal(t, []string{"id"}, info.PrimaryKeys)
	assert.Equal(t, SchemaID(users, []string{"id", "name"}), info.SchemaID)
	assert.Positive(t, info.SchemaID)

	again, err := r.RegisterOrFetch(context.Background(), users, false)
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, 1, meta.calls)
}

func TestDryRunDoesNotRecord(t *testing.T) {
	meta := newFakeIntrospector()
	r := NewRegistry(meta, "orders", hclog.NewNullLogger())
	users := cdc.TableRef{Database: "shop", Table: "users"}

	_, err := r.RegisterOrFetch(context.Background(), users, true)
	require.NoError(t, err)
	_, err = r.RegisterOrFetch(context.Background(), users, true)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.calls)
}

func TestInvalidatePicksUpNewColumns(t *testing.T) {
	meta := newFakeIntrospector()
	r := NewRegistry(meta, "orders", hclog.NewNullLogger())
	users := cdc.TableRef{Database: "shop", Table: "users"}

	before, err := r.RegisterOrFetch(context.Background(), users, false)
	require.NoError(t, err)

	meta.columns["shop.users"] = []string{"id", "name", "email"}
	r.Invalidate(users)

	after, err := r.RegisterOrFetch(context.Background(), users, false)
	require.NoError(t, err)
	assert.NotEqual(t, before.SchemaID, after.SchemaID)
	assert.Equal(t, before.Topic, after.Topic)
}

func TestUnknownTable(t *testing.T) {
	r := NewRegistry(newFakeIntrospector(), "orders", hclog.NewNullLogger())
	_, err := r.RegisterOrFetch(context.Background(), cdc.TableRef{Database: "shop", Table: "gone"}, false)
	assert.ErrorIs(t, err, ErrTableNotFound)
}
