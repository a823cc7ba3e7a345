package ui

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"gioui.org/app"
	"gioui.org/gesture"
	"gioui.org/io/pointer"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
	"gioui.org/x/explorer"
	"github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"golang.org/x/exp/shiny/materialdesign/icons"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/oplog"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
)

type appView int

const (
	viewMerged appView = iota
	viewSeparate
	viewDevice
)

type navEntry struct {
	view  appView
	name  string
	icon  *widget.Icon
	click widget.Clickable
}

type actionButton struct {
	mode  sequencer.Mode
	label string
	click widget.Clickable
}

// imagePanel is the picker for one image directory.
type imagePanel struct {
	kind   workspace.Kind
	enum   widget.Enum
	browse widget.Clickable
	list   layout.List
}

// App drives the Gio-based flasher UI.
type App struct {
	Window *app.Window
	Theme  *material.Theme
	State  *AppState

	ctx      context.Context
	ops      op.Ops
	explorer *explorer.Explorer

	refreshBtn  widget.Clickable
	cancelBtn   widget.Clickable
	saveLogBtn  widget.Clickable
	clearLogBtn widget.Clickable
	confirmBtn  widget.Clickable
	declineBtn  widget.Clickable

	refreshIcon *widget.Icon
	browseIcon  *widget.Icon

	panels  map[workspace.Kind]*imagePanel
	actions map[appView][]*actionButton

	logList layout.List

	logPaneHeight float32
	logSplitter   gesture.Drag
	logSplitLastY float32
	logSplitDrag  bool

	currentView appView
	navEntries  []navEntry
}

// New wires the Gio window, theme, and shared state together.
func New(ctx context.Context, window *app.Window, state *AppState) *App {
	baseTheme := material.NewTheme()
	baseTheme.Palette = material.Palette{
		Bg:         color.NRGBA{R: 245, G: 246, B: 252, A: 255},
		Fg:         color.NRGBA{R: 34, G: 37, B: 49, A: 255},
		ContrastBg: color.NRGBA{R: 80, G: 120, B: 255, A: 255},
		ContrastFg: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
	}
	a := &App{
		Window:   window,
		Theme:    baseTheme,
		State:    state,
		ctx:      ctx,
		explorer: explorer.NewExplorer(window),
		panels:   make(map[workspace.Kind]*imagePanel, len(workspace.Kinds)),
		logList:  layout.List{Axis: layout.Vertical, ScrollToEnd: true},
	}
	for _, k := range workspace.Kinds {
		a.panels[k] = &imagePanel{kind: k, list: layout.List{Axis: layout.Vertical}}
	}
	a.actions = map[appView][]*actionButton{
		viewMerged: {
			{mode: sequencer.ModeAuto, label: "Auto Flash"},
			{mode: sequencer.ModeFlash, label: "Flash"},
			{mode: sequencer.ModeVerify, label: "Verify"},
		},
		viewSeparate: {
			{mode: sequencer.ModeFlashSD, label: "Flash SoftDevice"},
			{mode: sequencer.ModeFlashApp, label: "Flash App"},
			{mode: sequencer.ModeFlashSeparate, label: "Flash SD + App"},
		},
		viewDevice: {
			{mode: sequencer.ModeErase, label: "Erase All"},
			{mode: sequencer.ModeRecover, label: "Recover"},
			{mode: sequencer.ModeReset, label: "Reset"},
		},
	}
	a.initNavigation()
	return a
}

// Run processes Gio events until the window is closed.
func (a *App) Run() error {
	a.refresh()
	for {
		e := a.Window.Event()
		a.explorer.ListenEvents(e)
		switch ev := e.(type) {
		case app.DestroyEvent:
			return ev.Err
		case app.FrameEvent:
			gtx := app.NewContext(&a.ops, ev)
			a.layout(gtx)
			ev.Frame(gtx.Ops)
		}
	}
}

func (a *App) makeIcon(data []byte, name string) *widget.Icon {
	icon, err := widget.NewIcon(data)
	if err != nil {
		log.WithFunc("ui.makeIcon").Warnf(a.ctx, "failed to load %s icon: %v", name, err)
		return nil
	}
	return icon
}

func (a *App) initNavigation() {
	a.refreshIcon = a.makeIcon(icons.NavigationRefresh, "refresh")
	a.browseIcon = a.makeIcon(icons.FileFolderOpen, "browse")
	a.navEntries = []navEntry{
		{view: viewMerged, name: "Merged", icon: a.makeIcon(icons.ActionSystemUpdateAlt, "merged")},
		{view: viewSeparate, name: "SD + App", icon: a.makeIcon(icons.ActionViewAgenda, "separate")},
		{view: viewDevice, name: "Device", icon: a.makeIcon(icons.HardwareDeveloperBoard, "device")},
	}
}

func (a *App) layout(gtx layout.Context) layout.Dimensions {
	state := a.State.Snapshot()

	paint.FillShape(gtx.Ops, color.NRGBA{R: 238, G: 241, B: 251, A: 255}, clip.Rect{Max: gtx.Constraints.Max}.Op())

	return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
		layout.Rigid(a.layoutNavigation),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return a.layoutTopBar(gtx, state)
				}),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return a.layoutConfirmBar(gtx, state)
				}),
				layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
					return a.layoutWorkspace(gtx, state)
				}),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return a.layoutProgress(gtx, state)
				}),
				layout.Rigid(a.layoutLogSplitter),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return a.layoutLogPane(gtx, state)
				}),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return a.layoutStatus(gtx, state)
				}),
			)
		}),
	)
}

func (a *App) layoutNavigation(gtx layout.Context) layout.Dimensions {
	width := gtx.Dp(unit.Dp(150))
	gtx.Constraints.Min.X = width
	gtx.Constraints.Max.X = width
	return layout.Stack{}.Layout(gtx,
		layout.Expanded(func(gtx layout.Context) layout.Dimensions {
			paint.FillShape(gtx.Ops, color.NRGBA{R: 45, G: 50, B: 68, A: 255}, clip.Rect{Max: gtx.Constraints.Max}.Op())
			return layout.Dimensions{Size: gtx.Constraints.Max}
		}),
		layout.Stacked(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Top: unit.Dp(24), Bottom: unit.Dp(24), Left: unit.Dp(8), Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				children := make([]layout.FlexChild, 0, len(a.navEntries)*2)
				for i := range a.navEntries {
					entry := &a.navEntries[i]
					children = append(children, layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						return a.layoutNavEntry(gtx, entry)
					}))
					children = append(children, layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout))
				}
				return layout.Flex{Axis: layout.Vertical}.Layout(gtx, children...)
			})
		}),
	)
}

func (a *App) layoutNavEntry(gtx layout.Context, entry *navEntry) layout.Dimensions {
	for entry.click.Clicked(gtx) {
		a.currentView = entry.view
		a.invalidate()
	}

	width := gtx.Constraints.Max.X
	if width <= 0 {
		width = gtx.Dp(unit.Dp(134))
	}
	size := image.Pt(width, gtx.Dp(unit.Dp(48)))
	gtx.Constraints.Min = size
	gtx.Constraints.Max = size

	bg := color.NRGBA{R: 45, G: 50, B: 68, A: 255}
	if entry.click.Hovered() {
		bg = color.NRGBA{R: 60, G: 66, B: 88, A: 255}
	}
	if a.currentView == entry.view {
		bg = viewAccentColor(entry.view)
	}
	textColor := color.NRGBA{R: 240, G: 244, B: 255, A: 255}

	return entry.click.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Stack{}.Layout(gtx,
			layout.Expanded(func(gtx layout.Context) layout.Dimensions {
				rect := image.Rectangle{Max: size}.Inset(gtx.Dp(unit.Dp(2)))
				rr := gtx.Dp(unit.Dp(8))
				paint.FillShape(gtx.Ops, bg, clip.RRect{Rect: rect, NW: rr, NE: rr, SW: rr, SE: rr}.Op(gtx.Ops))
				return layout.Dimensions{Size: rect.Size()}
			}),
			layout.Stacked(func(gtx layout.Context) layout.Dimensions {
				return layout.Inset{Top: unit.Dp(6), Bottom: unit.Dp(6), Left: unit.Dp(8), Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
					return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
						layout.Rigid(func(gtx layout.Context) layout.Dimensions {
							sz := gtx.Dp(unit.Dp(24))
							gtx.Constraints.Min = image.Pt(sz, sz)
							gtx.Constraints.Max = gtx.Constraints.Min
							if entry.icon != nil {
								return entry.icon.Layout(gtx, textColor)
							}
							return layout.Dimensions{Size: image.Pt(sz, sz)}
						}),
						layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
						layout.Rigid(func(gtx layout.Context) layout.Dimensions {
							lbl := material.Body2(a.Theme, entry.name)
							lbl.Color = textColor
							lbl.Alignment = text.Start
							return lbl.Layout(gtx)
						}),
					)
				})
			}),
		)
	})
}

func viewAccentColor(view appView) color.NRGBA {
	switch view {
	case viewSeparate:
		return color.NRGBA{R: 90, G: 160, B: 120, A: 255}
	case viewDevice:
		return color.NRGBA{R: 200, G: 110, B: 70, A: 255}
	default:
		return color.NRGBA{R: 80, G: 120, B: 255, A: 255}
	}
}

func (a *App) layoutTopBar(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	for a.refreshBtn.Clicked(gtx) {
		a.refresh()
	}
	return layout.Inset{
		Top: unit.Dp(12), Bottom: unit.Dp(4), Left: unit.Dp(16), Right: unit.Dp(16),
	}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
			layout.Rigid(material.H6(a.Theme, "nRF52 Flasher").Layout),
			layout.Rigid(layout.Spacer{Width: unit.Dp(16)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				lbl := material.Caption(a.Theme, state.HexDir)
				lbl.Color = color.NRGBA{R: 110, G: 114, B: 130, A: 255}
				return lbl.Layout(gtx)
			}),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return layout.Dimensions{}
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if a.refreshIcon == nil {
					return material.Button(a.Theme, &a.refreshBtn, "Refresh").Layout(gtx)
				}
				btn := material.IconButton(a.Theme, &a.refreshBtn, a.refreshIcon, "Refresh files")
				btn.Size = unit.Dp(20)
				btn.Inset = layout.UniformInset(unit.Dp(6))
				return btn.Layout(gtx)
			}),
		)
	})
}

func (a *App) layoutConfirmBar(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	if state.Pending == "" {
		return layout.Dimensions{}
	}
	for a.confirmBtn.Clicked(gtx) {
		if err := a.State.Confirm(a.ctx, a.invalidate); err != nil {
			log.WithFunc("ui.confirm").Warnf(a.ctx, "start %s: %v", state.Pending, err)
		}
	}
	for a.declineBtn.Clicked(gtx) {
		a.State.Decline()
	}
	return layout.Inset{Left: unit.Dp(16), Right: unit.Dp(16), Bottom: unit.Dp(6)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Stack{}.Layout(gtx,
			layout.Expanded(func(gtx layout.Context) layout.Dimensions {
				rr := gtx.Dp(unit.Dp(8))
				paint.FillShape(gtx.Ops, color.NRGBA{R: 255, G: 243, B: 214, A: 255}, clip.RRect{
					Rect: image.Rectangle{Max: gtx.Constraints.Min},
					NW:   rr, NE: rr, SW: rr, SE: rr,
				}.Op(gtx.Ops))
				return layout.Dimensions{Size: gtx.Constraints.Min}
			}),
			layout.Stacked(func(gtx layout.Context) layout.Dimensions {
				return layout.UniformInset(unit.Dp(8)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
					return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
						layout.Flexed(1, material.Body1(a.Theme, ConfirmPrompt(state.Pending)).Layout),
						layout.Rigid(func(gtx layout.Context) layout.Dimensions {
							btn := material.Button(a.Theme, &a.confirmBtn, "Yes")
							btn.Background = color.NRGBA{R: 200, G: 110, B: 70, A: 255}
							return btn.Layout(gtx)
						}),
						layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
						layout.Rigid(material.Button(a.Theme, &a.declineBtn, "No").Layout),
					)
				})
			}),
		)
	})
}

func (a *App) layoutWorkspace(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	var kinds []workspace.Kind
	switch a.currentView {
	case viewSeparate:
		kinds = []workspace.Kind{workspace.KindSoftDevice, workspace.KindApp}
	case viewDevice:
	default:
		kinds = []workspace.Kind{workspace.KindMerged}
	}

	children := make([]layout.FlexChild, 0, len(kinds)*2+1)
	for _, k := range kinds {
		panel := a.panels[k]
		children = append(children,
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return a.layoutPanelSurface(gtx, func(gtx layout.Context) layout.Dimensions {
					return a.layoutImagePanel(gtx, panel, state)
				})
			}),
			layout.Rigid(layout.Spacer{Width: unit.Dp(12)}.Layout),
		)
	}
	children = append(children, layout.Rigid(func(gtx layout.Context) layout.Dimensions {
		width := gtx.Dp(unit.Dp(220))
		if len(kinds) == 0 {
			width = gtx.Constraints.Max.X
		}
		gtx.Constraints.Min.X = width
		gtx.Constraints.Max.X = width
		return a.layoutCenteredCard(gtx, func(gtx layout.Context) layout.Dimensions {
			return a.layoutActions(gtx, state)
		})
	}))

	return layout.Inset{Left: unit.Dp(16), Right: unit.Dp(16), Top: unit.Dp(4), Bottom: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal}.Layout(gtx, children...)
	})
}

func (a *App) layoutPanelSurface(gtx layout.Context, body layout.Widget) layout.Dimensions {
	return layout.Stack{}.Layout(gtx,
		layout.Expanded(func(gtx layout.Context) layout.Dimensions {
			rr := gtx.Dp(unit.Dp(10))
			paint.FillShape(gtx.Ops, color.NRGBA{R: 248, G: 248, B: 253, A: 255}, clip.RRect{
				Rect: image.Rectangle{Max: gtx.Constraints.Max},
				NW:   rr, NE: rr, SW: rr, SE: rr,
			}.Op(gtx.Ops))
			return layout.Dimensions{Size: gtx.Constraints.Max}
		}),
		layout.Stacked(func(gtx layout.Context) layout.Dimensions {
			gtx.Constraints.Min = gtx.Constraints.Max
			return layout.UniformInset(unit.Dp(12)).Layout(gtx, body)
		}),
	)
}

func (a *App) layoutCenteredCard(gtx layout.Context, body layout.Widget) layout.Dimensions {
	return layout.Stack{}.Layout(gtx,
		layout.Expanded(func(gtx layout.Context) layout.Dimensions {
			rr := gtx.Dp(unit.Dp(12))
			paint.FillShape(gtx.Ops, color.NRGBA{R: 238, G: 240, B: 247, A: 255}, clip.RRect{
				Rect: image.Rectangle{Max: gtx.Constraints.Max},
				NW:   rr, NE: rr, SW: rr, SE: rr,
			}.Op(gtx.Ops))
			return layout.Dimensions{Size: gtx.Constraints.Max}
		}),
		layout.Stacked(func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(16)).Layout(gtx, body)
		}),
	)
}

func (a *App) layoutImagePanel(gtx layout.Context, panel *imagePanel, state StateSnapshot) layout.Dimensions {
	if panel.enum.Update(gtx) {
		a.State.Select(panel.kind, panel.enum.Value)
	} else {
		panel.enum.Value = state.Selected[panel.kind]
	}
	for panel.browse.Clicked(gtx) {
		a.browse(panel.kind)
	}
	if state.Busy {
		gtx = gtx.Disabled()
	}

	files := state.Files[panel.kind]
	selected := state.Selected[panel.kind]

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
				layout.Flexed(1, material.Subtitle1(a.Theme, panel.kind.Title()).Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					if a.browseIcon == nil {
						return material.Button(a.Theme, &panel.browse, "Browse").Layout(gtx)
					}
					btn := material.IconButton(a.Theme, &panel.browse, a.browseIcon, "Browse for "+panel.kind.Title())
					btn.Size = unit.Dp(18)
					btn.Inset = layout.UniformInset(unit.Dp(6))
					return btn.Layout(gtx)
				}),
			)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(6)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			if len(files) == 0 {
				lbl := material.Caption(a.Theme, fmt.Sprintf("No .hex files in %s", filepath.Base(a.State.ws.Path(panel.kind))))
				lbl.Color = color.NRGBA{R: 130, G: 130, B: 140, A: 255}
				return lbl.Layout(gtx)
			}
			return panel.list.Layout(gtx, len(files), func(gtx layout.Context, idx int) layout.Dimensions {
				f := files[idx]
				label := fmt.Sprintf("%s  (%s)", f.Name, units.HumanSize(float64(f.Size)))
				return material.RadioButton(a.Theme, &panel.enum, f.Path, label).Layout(gtx)
			})
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			name := "none"
			if selected != "" {
				name = filepath.Base(selected)
			}
			lbl := material.Caption(a.Theme, "Selected: "+name)
			lbl.MaxLines = 1
			return lbl.Layout(gtx)
		}),
	)
}

func (a *App) layoutActions(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	buttons := a.actions[a.currentView]
	for _, b := range buttons {
		for b.click.Clicked(gtx) {
			if err := a.State.Request(a.ctx, b.mode, a.invalidate); err != nil {
				log.WithFunc("ui.action").Warnf(a.ctx, "start %s: %v", b.mode, err)
			}
		}
	}
	for a.cancelBtn.Clicked(gtx) {
		if err := a.State.Cancel(a.invalidate); err != nil && !errors.Is(err, ErrNothingRunning) {
			log.WithFunc("ui.cancel").Warnf(a.ctx, "cancel: %v", err)
		}
	}

	children := make([]layout.FlexChild, 0, len(buttons)*2+2)
	for _, b := range buttons {
		children = append(children,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if state.Busy || state.Pending != "" {
					gtx = gtx.Disabled()
				}
				gtx.Constraints.Min.X = gtx.Constraints.Max.X
				btn := material.Button(a.Theme, &b.click, b.label)
				if NeedsConfirm(b.mode) {
					btn.Background = viewAccentColor(viewDevice)
				}
				return btn.Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		)
	}
	children = append(children,
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			if !state.Busy || state.Cancelling {
				gtx = gtx.Disabled()
			}
			gtx.Constraints.Min.X = gtx.Constraints.Max.X
			btn := material.Button(a.Theme, &a.cancelBtn, "Cancel")
			btn.Background = color.NRGBA{R: 150, G: 150, B: 160, A: 255}
			return btn.Layout(gtx)
		}),
	)
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx, children...)
}

func (a *App) layoutProgress(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	return layout.Inset{Left: unit.Dp(16), Right: unit.Dp(16), Bottom: unit.Dp(6)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
			layout.Flexed(1, material.ProgressBar(a.Theme, float32(state.Progress)/100).Layout),
			layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
			layout.Rigid(material.Caption(a.Theme, fmt.Sprintf("%3d%%", state.Progress)).Layout),
		)
	})
}

func (a *App) layoutLogPane(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	for a.saveLogBtn.Clicked(gtx) {
		a.saveLog(state.Mode)
	}
	for a.clearLogBtn.Clicked(gtx) {
		a.State.ClearLog()
	}

	a.ensureLogPaneHeight(gtx)
	height := int(a.logPaneHeight)
	if h := gtx.Constraints.Max.Y; h > 0 && height > h {
		height = h
	}
	gtx.Constraints.Min.Y = height
	gtx.Constraints.Max.Y = height
	return layout.Inset{
		Left: unit.Dp(16), Right: unit.Dp(16), Top: unit.Dp(6), Bottom: unit.Dp(6),
	}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return a.layoutLogs(gtx, state)
			}),
			layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
					layout.Rigid(material.Button(a.Theme, &a.saveLogBtn, "Save Log").Layout),
					layout.Rigid(layout.Spacer{Height: unit.Dp(6)}.Layout),
					layout.Rigid(material.Button(a.Theme, &a.clearLogBtn, "Clear").Layout),
				)
			}),
		)
	})
}

func (a *App) layoutLogSplitter(gtx layout.Context) layout.Dimensions {
	height := gtx.Dp(unit.Dp(6))
	size := image.Pt(gtx.Constraints.Max.X, height)
	if size.X == 0 {
		size.X = gtx.Dp(unit.Dp(400))
	}
	rect := clip.Rect{Max: size}
	paint.FillShape(gtx.Ops, color.NRGBA{R: 210, G: 214, B: 228, A: 255}, rect.Op())

	stack := rect.Push(gtx.Ops)
	a.logSplitter.Add(gtx.Ops)
	stack.Pop()

	if ev, ok := a.logSplitter.Update(gtx.Metric, gtx.Source, gesture.Vertical); ok {
		switch ev.Kind {
		case pointer.Press:
			a.logSplitDrag = true
			a.logSplitLastY = ev.Position.Y
		case pointer.Drag:
			if a.logSplitDrag {
				dy := ev.Position.Y - a.logSplitLastY
				a.logSplitLastY = ev.Position.Y
				a.logPaneHeight -= dy
				a.clampLogPaneHeight(gtx)
				a.invalidate()
			}
		case pointer.Release, pointer.Cancel:
			a.logSplitDrag = false
		}
	}
	return layout.Dimensions{Size: size}
}

func (a *App) ensureLogPaneHeight(gtx layout.Context) {
	if a.logPaneHeight > 0 {
		return
	}
	a.logPaneHeight = float32(gtx.Dp(unit.Dp(200)))
	a.clampLogPaneHeight(gtx)
}

func (a *App) clampLogPaneHeight(gtx layout.Context) {
	lo := float32(gtx.Dp(unit.Dp(80)))
	hi := float32(gtx.Dp(unit.Dp(420)))
	if a.logPaneHeight < lo {
		a.logPaneHeight = lo
	}
	if a.logPaneHeight > hi {
		a.logPaneHeight = hi
	}
}

func logColor(level string) color.NRGBA {
	switch level {
	case "ok":
		return color.NRGBA{R: 30, G: 130, B: 70, A: 255}
	case "error":
		return color.NRGBA{R: 190, G: 40, B: 40, A: 255}
	default:
		return color.NRGBA{R: 40, G: 40, B: 40, A: 255}
	}
}

func (a *App) layoutLogs(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	if len(state.Logs) == 0 {
		return material.Caption(a.Theme, "Logs will appear here.").Layout(gtx)
	}
	return a.logList.Layout(gtx, len(state.Logs), func(gtx layout.Context, idx int) layout.Dimensions {
		if idx >= len(state.Logs) {
			return layout.Dimensions{}
		}
		e := state.Logs[idx]
		lbl := material.Caption(a.Theme, e.String())
		lbl.Color = logColor(e.Level)
		return lbl.Layout(gtx)
	})
}

func (a *App) layoutStatus(gtx layout.Context, state StateSnapshot) layout.Dimensions {
	serial := state.Serial
	if serial == "" {
		serial = "auto"
	}
	versionLabel := fmt.Sprintf("Version: %s", state.AppVersion)
	backendLabel := fmt.Sprintf("Backend: %s", state.Backend)
	probeLabel := fmt.Sprintf("Probe: %s", serial)
	statusLabel := fmt.Sprintf("Status: %s", state.Status)

	return layout.Stack{}.Layout(gtx,
		layout.Expanded(func(gtx layout.Context) layout.Dimensions {
			paint.FillShape(gtx.Ops, color.NRGBA{R: 230, G: 234, B: 244, A: 255}, clip.Rect{Max: gtx.Constraints.Min}.Op())
			return layout.Dimensions{Size: gtx.Constraints.Min}
		}),
		layout.Stacked(func(gtx layout.Context) layout.Dimensions {
			gtx.Constraints.Min.X = gtx.Constraints.Max.X
			inset := layout.Inset{Left: unit.Dp(16), Right: unit.Dp(16), Top: unit.Dp(8), Bottom: unit.Dp(8)}
			return inset.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
					layout.Rigid(material.Body2(a.Theme, versionLabel).Layout),
					layout.Rigid(layout.Spacer{Width: unit.Dp(18)}.Layout),
					layout.Rigid(material.Body2(a.Theme, backendLabel).Layout),
					layout.Rigid(layout.Spacer{Width: unit.Dp(18)}.Layout),
					layout.Rigid(material.Body2(a.Theme, probeLabel).Layout),
					layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
						return layout.Dimensions{}
					}),
					layout.Rigid(material.Body2(a.Theme, statusLabel).Layout),
				)
			})
		}),
	)
}

// invalidate requests a new frame.
func (a *App) invalidate() {
	if a.Window != nil {
		a.Window.Invalidate()
	}
}

func (a *App) refresh() {
	if err := a.State.RefreshFiles(); err != nil {
		a.State.AppendLog("error", fmt.Sprintf("Refresh failed: %v", err))
	}
	a.invalidate()
}

func (a *App) browse(k workspace.Kind) {
	go func() {
		file, err := a.explorer.ChooseFile("hex")
		if err != nil {
			if !errors.Is(err, explorer.ErrUserDecline) {
				a.State.AppendLog("error", fmt.Sprintf("File picker failed: %v", err))
				a.invalidate()
			}
			return
		}
		defer file.Close()

		f, ok := file.(*os.File)
		if !ok {
			a.State.AppendLog("error", "Unable to get file path from picker")
			a.invalidate()
			return
		}
		a.State.Select(k, f.Name())
		a.invalidate()
	}()
}

func (a *App) saveLog(mode sequencer.Mode) {
	if mode == "" {
		mode = "session"
	}
	name := oplog.FileName(mode, "", time.Now())
	go func() {
		w, err := a.explorer.CreateFile(name)
		if err != nil {
			if !errors.Is(err, explorer.ErrUserDecline) {
				a.State.AppendLog("error", fmt.Sprintf("Save log failed: %v", err))
				a.invalidate()
			}
			return
		}
		_, werr := a.State.Log().WriteTo(w)
		if cerr := w.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			a.State.AppendLog("error", fmt.Sprintf("Save log failed: %v", werr))
		} else {
			a.State.AppendLog("ok", "Log saved")
		}
		a.invalidate()
	}()
}
