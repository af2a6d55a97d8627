// ABOUTME: Tests for input sources and evdev event decoding
// ABOUTME: Feeds synthetic input_event records through a bytes reader

package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davery92/sara-jarvis/internal/config"
)

func rawEvent(typ, code uint16, value int32) []byte {
	b := make([]byte, eventSize)
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint16(b[18:20], code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(value))
	return b
}

func TestReadEvents_CountsPressesOnly(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(rawEvent(evKey, 30, keyPressed))         // KEY_A down
	stream.Write(rawEvent(evKey, 30, 2))                  // autorepeat
	stream.Write(rawEvent(evKey, 30, 0))                  // release
	stream.Write(rawEvent(0x00, 0, 0))                    // EV_SYN
	stream.Write(rawEvent(evKey, btnMouse, keyPressed))   // BTN_LEFT
	stream.Write(rawEvent(evKey, btnMouse+1, keyPressed)) // BTN_RIGHT
	stream.Write(rawEvent(0x02, 0, 5))                    // EV_REL motion
	stream.Write(rawEvent(evKey, 0x130, keyPressed))      // BTN_SOUTH
	stream.Write(rawEvent(evKey, 0x160, keyPressed))      // KEY_OK
	stream.Write(rawEvent(evKey, 28, keyPressed)[:10])    // truncated

	a := NewActivity()
	err := readEvents(&stream, a)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, Counts{KeyboardEvents: 2, MouseClicks: 2}, a.Peek())
}

func TestNewSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	src, err := NewSource(config.InputConfig{Source: "none"}, logger)
	require.NoError(t, err)
	assert.Equal(t, noneSource{}, src)

	src, err = NewSource(config.InputConfig{Source: "evdev", Devices: []string{"/dev/input/event0"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &EvdevSource{}, src)

	_, err = NewSource(config.InputConfig{Source: "x11"}, logger)
	assert.Error(t, err)
}

func TestNoneSource_BlocksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- noneSource{}.Run(ctx, NewActivity()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("none source did not stop")
	}
}

func TestEvdevSource_NoDevices(t *testing.T) {
	src := &EvdevSource{
		paths:  []string{filepath.Join(t.TempDir(), "missing")},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	err := src.Run(t.Context(), NewActivity())
	assert.ErrorIs(t, err, ErrNoInputDevices)
}

func TestEvdevSource_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event0")
	var data []byte
	data = append(data, rawEvent(evKey, 30, keyPressed)...)
	data = append(data, rawEvent(evKey, btnMouse, keyPressed)...)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	src := &EvdevSource{paths: []string{path}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	a := NewActivity()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, a) }()

	require.Eventually(t, func() bool { return a.Peek() == Counts{KeyboardEvents: 1, MouseClicks: 1} }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
