package recognizer

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// AudioSource yields 16-bit little-endian mono PCM.
type AudioSource interface {
	io.Reader
	Close() error
}

// SourceFactory opens a fresh audio source for each recognition run.
type SourceFactory func(sampleRate int) (AudioSource, error)

type ffmpegMic struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// FFmpegMic captures the default input device through ffmpeg.
func FFmpegMic(sampleRate int) (AudioSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micArgs(runtime.GOOS, sampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMic{cmd: cmd, stdout: stdout}, nil
}

// MicAvailable reports whether FFmpegMic can work on this machine.
func MicAvailable() bool {
	if _, err := micArgs(runtime.GOOS, 16000); err != nil {
		return false
	}
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

func micArgs(goos string, sampleRate int) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "linux":
		input = []string{"-f", "pulse", "-i", "default"}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args, "-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate), "-f", "s16le", "-")
	return args, nil
}

func (m *ffmpegMic) Read(p []byte) (int, error) {
	return m.stdout.Read(p)
}

func (m *ffmpegMic) Close() error {
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}
