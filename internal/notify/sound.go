package notify

import (
	"io"
	"sync"

	"bakery-kds/internal/common/logger"
)

type Sound string

const (
	SoundNewOrder Sound = "new_order"
	SoundUrgent   Sound = "urgent"
	SoundAlert    Sound = "alert"
)

// Player plays a display sound. Implementations must not block.
type Player interface {
	Play(s Sound)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(Sound)

func (f PlayerFunc) Play(s Sound) { f(s) }

// BellPlayer rings the terminal bell; an alert rings it twice.
type BellPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBellPlayer(w io.Writer) *BellPlayer { return &BellPlayer{w: w} }

func (p *BellPlayer) Play(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bell := "\a"
	if s == SoundAlert || s == SoundUrgent {
		bell = "\a\a"
	}
	_, _ = io.WriteString(p.w, bell)
}

type LogPlayer struct {
	Log *logger.Logger
}

func (p LogPlayer) Play(s Sound) {
	p.Log.Info("sound_played", map[string]any{"sound": string(s)})
}

// PlayerByName returns the player for the kitchen.sound setting.
func PlayerByName(name string, w io.Writer, log *logger.Logger) Player {
	switch name {
	case "bell":
		return NewBellPlayer(w)
	default:
		return LogPlayer{Log: log}
	}
}
