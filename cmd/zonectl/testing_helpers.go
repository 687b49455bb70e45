package main

import (
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags puts every package-level flag back to its registered default.
func resetFlags() {
	verbose, quiet, jsonOut = false, false, false
	useQuarantine, maxItems, maxMB, noPoison = false, 0, 256, false
	largeMem, noLargeCache, scribble = false, false, false

	stressGoroutines, stressOps, stressMaxSize, stressSeed, stressLive = 4, 10000, "256K", 1, 64
	uafSize, uafOffset = "64", 8
	diagnosePid, diagnoseControl = 0, ""
	printAlloc, printFreeHalf = []string{"16", "100", "1K", "20K", "1M"}, false
}

// captureOutput runs fn with os.Stdout redirected into a pipe and returns
// what it printed.
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)

	saved := os.Stdout
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = saved })

	got := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(r)
		got <- string(b)
	}()

	runErr := fn()
	_ = w.Close()
	os.Stdout = saved
	return <-got, runErr
}

func assertJSON(t *testing.T, output string) {
	t.Helper()
	assert.True(t, json.Valid([]byte(output)), "not JSON:\n%s", output)
}

func assertContains(t *testing.T, output string, want []string) {
	t.Helper()
	for _, s := range want {
		assert.Contains(t, output, s)
	}
}

func assertNotContains(t *testing.T, output string, unwanted []string) {
	t.Helper()
	for _, s := range unwanted {
		assert.NotContains(t, output, s)
	}
}
