package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, run(context.Background(), []string{"--version"}))
	assert.Equal(t, 1, run(context.Background(), []string{"no-such-command"}))
}
