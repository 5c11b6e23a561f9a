package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	ID      uint64            `json:"id"`
	Name    string            `json:"name"`
	Retries int               `json:"retries"`
	Labels  map[string]string `json:"labels"`
}

func TestCodecs(t *testing.T) {
	in := job{ID: 7, Name: "resize", Retries: 2, Labels: map[string]string{"tier": "gold"}}

	for _, name := range []string{"json", "go-json"} {
		t.Run(name, func(t *testing.T) {
			c, ok := ByName(name)
			require.True(t, ok)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out job
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}

	_, ok := ByName("gob")
	assert.False(t, ok)
}

func TestCodecs_Interchangeable(t *testing.T) {
	in := job{ID: 1, Name: "a"}

	var out job
	require.NoError(t, JSON{}.Unmarshal(MustMarshal(GoJSON{}, in), &out))
	assert.Equal(t, in, out)

	assert.True(t, GoJSON{}.Valid(MustMarshal(JSON{}, in)))
	assert.False(t, GoJSON{}.Valid([]byte("{")))
}

func TestMustMarshal_Panics(t *testing.T) {
	assert.Panics(t, func() { MustMarshal(nil, make(chan int)) })
}
