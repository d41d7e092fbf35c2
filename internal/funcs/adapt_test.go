package funcs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptSignatures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		fn      any
		args    []any
		want    any
		wantErr string
	}{
		{
			name: "two ints from json numbers",
			fn:   func(a, b int) int { return a + b },
			args: []any{float64(2), float64(3)},
			want: 5,
		},
		{
			name: "context aware",
			fn: func(ctx context.Context, s string) (string, error) {
				return s + "!", nil
			},
			args: []any{"hey"},
			want: "hey!",
		},
		{
			name: "no returns",
			fn:   func(s string) {},
			args: []any{"x"},
			want: nil,
		},
		{
			name: "error only return",
			fn:   func() error { return errors.New("nope") },
			args: nil,
			want: nil, wantErr: "nope",
		},
		{
			name: "variadic",
			fn: func(prefix string, nums ...int) int {
				total := 0
				for _, n := range nums {
					total += n
				}
				return total
			},
			args: []any{"sum", float64(1), float64(2), float64(3)},
			want: 6,
		},
		{
			name: "missing args become zero values",
			fn:   func(a, b int) int { return a + b },
			args: []any{float64(4)},
			want: 4,
		},
		{
			name: "extra args dropped",
			fn:   func(a int) int { return a },
			args: []any{float64(7), "ignored", true},
			want: 7,
		},
		{
			name:    "uncoercible argument",
			fn:      func(n int) int { return n },
			args:    []any{"abc"},
			wantErr: "argument 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapted, err := Adapt(tt.fn)
			require.NoError(t, err)

			got, err := adapted(ctx, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdaptStructArgument(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	adapted, err := Adapt(func(p point) int { return p.X + p.Y })
	require.NoError(t, err)

	got, err := adapted(context.Background(), map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestAdaptPassthrough(t *testing.T) {
	fn := Func(func(ctx context.Context, args ...any) (any, error) { return "same", nil })

	adapted, err := Adapt(fn)
	require.NoError(t, err)

	got, err := adapted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "same", got)
}

func TestAdaptRejectsNonFunctions(t *testing.T) {
	_, err := Adapt(42)
	assert.ErrorIs(t, err, ErrNotAFunction)

	_, err = Adapt(nil)
	assert.ErrorIs(t, err, ErrNotAFunction)
}

func TestAdaptRejectsBadReturnShape(t *testing.T) {
	_, err := Adapt(func() (int, int) { return 1, 2 })
	assert.Error(t, err)
}
