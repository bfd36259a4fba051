package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSURL(t *testing.T) {
	token = "abc"
	t.Cleanup(func() { token = "" })

	got, err := wsURL("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=abc", got)

	got, err = wsURL("https://chat.example.com/base")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/base/ws?token=abc", got)
}
