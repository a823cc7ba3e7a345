package ui

import (
	"context"
	"os"

	"gioui.org/app"
	"gioui.org/unit"
	"github.com/projecteru2/core/log"
)

// Run launches the Gio UI and blocks until the window closes. Operations
// started from the window inherit ctx.
func Run(ctx context.Context, state *AppState) error {
	go func() {
		w := new(app.Window)
		w.Option(app.Title("nRF52 Flasher"), app.Size(unit.Dp(1024), unit.Dp(720)))
		ui := New(ctx, w, state)
		if err := ui.Run(); err != nil {
			log.WithFunc("ui.Run").Error(ctx, err, "window closed")
		}
		os.Exit(0)
	}()

	app.Main()
	return nil
}
