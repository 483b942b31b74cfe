package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamNameForUppercasesAndSanitizes(t *testing.T) {
	require.Equal(t, "MYINDEXER", streamNameFor("myindexer"))
	require.Equal(t, "MY_INDEXER_2", streamNameFor("my-indexer.2"))
}

func TestStringifyParamsRendersStringers(t *testing.T) {
	out := stringifyParams(map[string]any{
		"count": stringerFunc("42"),
		"raw":   7,
	})
	require.Equal(t, "42", out["count"])
	require.Equal(t, 7, out["raw"])
}

type stringerFunc string

func (s stringerFunc) String() string { return string(s) }
