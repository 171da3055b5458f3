package expr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	cases := map[string]string{
		`amount > 1000 AND status = "open"`: `amount > 1000 and status == "open"`,
		`a <> b OR NOT c`:                   `a ~= b or not c`,
		`a != 1 && b >= 2 || c <= 3`:        `a ~= 1  and  b >= 2  or  c <= 3`,
		`name = "x = y AND z"`:              `name == "x = y AND z"`,
		`flag = TRUE`:                       `flag == true`,
		`order.total == 5`:                  `order.total == 5`,
		`brand = 'AND'`:                     `brand == 'AND'`,
	}
	for in, want := range cases {
		assert.Equal(t, want, Translate(in), in)
	}
}

func TestEvaluator_Bool(t *testing.T) {
	ev := New()
	ctx := context.Background()
	vars := map[string]any{
		"amount": int64(15000),
		"status": "approved",
		"order":  map[string]any{"priority": "high", "items": 3},
		"vip":    true,
	}

	tests := []struct {
		pred string
		want bool
	}{
		{`amount > 10000`, true},
		{`amount > 10000 AND status = "rejected"`, false},
		{`status = "approved" OR vip`, true},
		{`order.priority = "high" AND order.items >= 3`, true},
		{`NOT vip`, false},
		{`missing = nil`, true},
		{`string.upper(status) = "APPROVED"`, true},
	}
	for _, tt := range tests {
		got, err := ev.Bool(ctx, tt.pred, vars)
		require.NoError(t, err, tt.pred)
		assert.Equal(t, tt.want, got, tt.pred)
	}
}

func TestEvaluator_ValueConversions(t *testing.T) {
	ev := New()
	ctx := context.Background()

	v, err := ev.Value(ctx, `amount * 2`, map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	v, err = ev.Value(ctx, `"hello " .. name`, map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", v)

	v, err = ev.Value(ctx, `{1, 2}`, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, v)
}

func TestEvaluator_Sandbox(t *testing.T) {
	ev := New()
	ctx := context.Background()
	_, err := ev.Value(ctx, `dofile("/etc/passwd")`, nil)
	assert.Error(t, err)
	_, err = ev.Value(ctx, `os.exit(1)`, nil)
	assert.Error(t, err)
	_, err = ev.Value(ctx, `   `, nil)
	assert.Error(t, err)
}

func TestEvaluator_Timeout(t *testing.T) {
	ev := New(func(o *Options) { o.Timeout = 20 * time.Millisecond })
	_, err := ev.Value(context.Background(), `(function() while true do end end)()`, nil)
	assert.Error(t, err)
}

func TestStringAndInterpolate(t *testing.T) {
	assert.Equal(t, "42", String(float64(42)))
	assert.Equal(t, "4.5", String(4.5))
	assert.Equal(t, "", String(nil))
	assert.Equal(t, "a, b", String([]any{"a", "b"}))
	assert.Equal(t, "x=1, y=2", String(map[string]any{"y": 2, "x": 1}))

	vars := map[string]any{"name": "Ana", "order": map[string]any{"id": "o-1"}}
	assert.Equal(t, "Hi Ana, order o-1 ", Interpolate("Hi ${name}, order ${order.id} ${missing}", vars))
}
