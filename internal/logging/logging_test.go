/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	prev := LogLevel()
	defer SetLogLevel(prev)

	var out bytes.Buffer
	l := New("segment", &out)

	SetLogLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	assert.Empty(t, out.String())

	l.Warnf("shown %d", 2)
	line := out.String()
	assert.Contains(t, line, "Warn")
	assert.Contains(t, line, "segment")
	assert.Contains(t, line, "shown 2")
	assert.Contains(t, line, "logging_test.go:")
	assert.True(t, strings.HasSuffix(line, reset+"\n"))

	out.Reset()
	SetLogLevel(LevelNoPrint)
	l.Errorf("silenced")
	assert.Empty(t, out.String())
}

func TestSetLogLevelIgnoresOutOfRange(t *testing.T) {
	prev := LogLevel()
	defer SetLogLevel(prev)

	SetLogLevel(LevelInfo)
	SetLogLevel(42)
	SetLogLevel(-1)
	assert.Equal(t, LevelInfo, LogLevel())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]int{
		"0":       LevelTrace,
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"off":     LevelNoPrint,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("9")
	assert.Error(t, err)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
