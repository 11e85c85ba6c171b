package borsh

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	t.Run("string and vec", func(t *testing.T) {
		out, err := NewWriter().String("ab").Vec([]byte{0xff}).Bytes()
		require.NoError(t, err)
		require.Equal(t, []byte{2, 0, 0, 0, 'a', 'b', 1, 0, 0, 0, 0xff}, out)
	})

	t.Run("integers", func(t *testing.T) {
		out, err := NewWriter().U8(2).U32(0x80000000 + 413).U64(1).Bytes()
		require.NoError(t, err)
		require.Equal(t, []byte{
			2,
			0x9d, 0x01, 0x00, 0x80,
			1, 0, 0, 0, 0, 0, 0, 0,
		}, out)
	})

	t.Run("u128", func(t *testing.T) {
		v := new(uint256.Int).Lsh(uint256.NewInt(1), 64)
		v.AddUint64(v, 5)

		out, err := NewWriter().U128(v).Bytes()
		require.NoError(t, err)
		require.Equal(t, []byte{5, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}, out)
	})

	t.Run("u128 overflow", func(t *testing.T) {
		v := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
		_, err := NewWriter().U128(v).Bytes()
		require.Error(t, err)
	})

	t.Run("optional string", func(t *testing.T) {
		url := "x"
		none, err := NewWriter().OptionalString(nil).Bytes()
		require.NoError(t, err)
		require.Equal(t, []byte{0}, none)

		some, err := NewWriter().OptionalString(&url).Bytes()
		require.NoError(t, err)
		require.Equal(t, []byte{1, 1, 0, 0, 0, 'x'}, some)
	})
}
