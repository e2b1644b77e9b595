package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/chadiek/voice-assistant/internal/playback"
)

// Player plays encoded clips through an external player process, ffplay by
// default. Each clip is staged in a temp file that lives exactly as long as
// its Clip.
type Player struct {
	Command string
	Args    []string
	Env     []string
	TempDir string
}

func NewFFplay() *Player {
	return &Player{
		Command: "ffplay",
		Args:    []string{"-nodisp", "-autoexit", "-loglevel", "error"},
	}
}

// Available reports whether the player binary can be found.
func (p *Player) Available() error {
	if _, err := exec.LookPath(p.Command); err != nil {
		return fmt.Errorf("%s is required for playback (install ffmpeg/ffplay and ensure it is in PATH)", p.Command)
	}
	return nil
}

// Load stages audio for the playback controller.
func (p *Player) Load(ctx context.Context, audio []byte) (playback.Resource, error) {
	clip, err := p.Stage(audio)
	if err != nil {
		return nil, err
	}
	return clip, nil
}

// Stage writes audio to a temp file.
func (p *Player) Stage(audio []byte) (*Clip, error) {
	if len(audio) == 0 {
		return nil, errors.New("audio: empty clip")
	}
	f, err := os.CreateTemp(p.TempDir, "clip-*"+extension(audio))
	if err != nil {
		return nil, fmt.Errorf("audio: stage clip: %w", err)
	}
	if _, err := f.Write(audio); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("audio: stage clip: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("audio: stage clip: %w", err)
	}
	return &Clip{player: p, path: f.Name()}, nil
}

// Clip is one staged audio file.
type Clip struct {
	player *Player
	path   string
	once   sync.Once
}

func (c *Clip) Path() string { return c.path }

// Play runs the player on the clip and waits for it to exit. Cancelling ctx
// kills the player.
func (c *Clip) Play(ctx context.Context) error {
	args := append(append([]string(nil), c.player.Args...), c.path)
	cmd := exec.CommandContext(ctx, c.player.Command, args...)
	if len(c.player.Env) > 0 {
		cmd.Env = append(os.Environ(), c.player.Env...)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("audio: %s: %w", c.player.Command, err)
	}
	return nil
}

// Release deletes the staged file. Only the first call has any effect.
func (c *Clip) Release() error {
	var err error
	c.once.Do(func() {
		if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("audio: remove clip: %w", rmErr)
		}
	})
	return err
}

func extension(audio []byte) string {
	switch ct := http.DetectContentType(audio); ct {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wave":
		return ".wav"
	case "audio/ogg", "application/ogg":
		return ".ogg"
	default:
		if len(audio) >= 3 && (string(audio[:3]) == "ID3" || audio[0] == 0xff && audio[1]&0xe0 == 0xe0) {
			return ".mp3"
		}
		return ".bin"
	}
}
