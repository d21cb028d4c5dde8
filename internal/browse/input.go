package browse

import (
	"fmt"

	"github.com/robman/flohub/internal/intervene"
)

// ApplyInput replays one operator input event on the page.
func (s *PageSession) ApplyInput(ev intervene.InputEvent) error {
	switch ev.Type {
	case "mousemove":
		return s.Page.Mouse().Move(ev.X, ev.Y)
	case "click":
		return s.Page.Mouse().Click(ev.X, ev.Y)
	case "scroll":
		return s.Page.Mouse().Wheel(ev.DeltaX, ev.DeltaY)
	case "keypress":
		if ev.Key == "" {
			return fmt.Errorf("browse: keypress without key")
		}
		return s.Page.Keyboard().Press(ev.Key)
	default:
		return fmt.Errorf("browse: unknown input event %q", ev.Type)
	}
}
