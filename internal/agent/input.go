// ABOUTME: Input sources that feed the activity counters
// ABOUTME: "none" records nothing; "evdev" reads Linux input_event records from /dev/input

package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Davery92/sara-jarvis/internal/config"
)

// Input source names accepted in agent.input.source.
const (
	SourceNone  = "none"
	SourceEvdev = "evdev"
)

// ErrNoInputDevices means no evdev device could be opened.
var ErrNoInputDevices = errors.New("no input devices available")

// Source captures host input until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, rec Recorder) error
}

// NewSource builds the source named in cfg.
func NewSource(cfg config.InputConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "", SourceNone:
		return noneSource{}, nil
	case SourceEvdev:
		return &EvdevSource{paths: cfg.Devices, logger: logger.With("component", "evdev")}, nil
	default:
		return nil, fmt.Errorf("unknown input source %q", cfg.Source)
	}
}

type noneSource struct{}

func (noneSource) Run(ctx context.Context, _ Recorder) error {
	<-ctx.Done()
	return nil
}

// Linux input_event layout on 64-bit hosts: struct timeval (16 bytes),
// then type u16, code u16, value s32.
const (
	eventSize = 24

	evKey      = 0x01
	keyPressed = 1

	btnMisc  = 0x100
	btnMouse = 0x110
	btnTask  = 0x117
	btnLast  = 0x15f
)

type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

func parseEvent(b []byte) inputEvent {
	return inputEvent{
		Type:  binary.LittleEndian.Uint16(b[16:18]),
		Code:  binary.LittleEndian.Uint16(b[18:20]),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}
}

// record counts ev if it is a key or button press. Repeats and releases
// are ignored.
func record(ev inputEvent, rec Recorder) {
	if ev.Type != evKey || ev.Value != keyPressed {
		return
	}
	switch {
	case ev.Code >= btnMouse && ev.Code <= btnTask:
		rec.RecordClick()
	case ev.Code >= btnMisc && ev.Code <= btnLast:
		// joystick, gamepad, and digitizer buttons
	default:
		rec.RecordKey()
	}
}

// readEvents decodes input_event records from r until it fails.
func readEvents(r io.Reader, rec Recorder) error {
	buf := make([]byte, eventSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		record(parseEvent(buf), rec)
	}
}

// EvdevSource reads key and button presses from Linux evdev devices. The
// process needs read access to the device nodes (usually the input group).
type EvdevSource struct {
	paths  []string
	logger *slog.Logger
}

// Run opens every configured device, or every /dev/input/event* node when
// none are configured, and counts presses until ctx is cancelled. Devices
// that cannot be opened are skipped.
func (s *EvdevSource) Run(ctx context.Context, rec Recorder) error {
	paths := s.paths
	if len(paths) == 0 {
		var err error
		paths, err = filepath.Glob("/dev/input/event*")
		if err != nil {
			return fmt.Errorf("listing input devices: %w", err)
		}
	}

	var files []*os.File
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			s.logger.Warn("skipping input device", "path", path, "error", err)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return ErrNoInputDevices
	}

	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := readEvents(f, rec)
			if ctx.Err() == nil {
				s.logger.Warn("input device stopped", "path", f.Name(), "error", err)
			}
		}()
	}
	s.logger.Info("capturing input", "devices", len(files))

	<-ctx.Done()
	for _, f := range files {
		_ = f.Close()
	}
	wg.Wait()
	return nil
}
